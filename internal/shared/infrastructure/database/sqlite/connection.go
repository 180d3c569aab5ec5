// Package sqlite provides the SQLite implementation of database.Connection
// used for local mode and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/security"
)

func init() {
	database.RegisterDriver(database.DriverSQLite, NewConnection)
}

// Connection wraps sql.DB to implement database.Connection for SQLite.
type Connection struct {
	db *sql.DB
}

// NewConnection creates a new SQLite connection.
func NewConnection(ctx context.Context, cfg database.Config) (database.Connection, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = strings.TrimPrefix(cfg.URL, "sqlite://")
	}
	if path == "" {
		path = database.DefaultSQLitePath()
	}
	if !strings.HasPrefix(path, "file:") && !strings.Contains(path, ":memory:") {
		file, params, _ := strings.Cut(path, "?")
		validated, err := security.ValidateDatabasePath(file)
		if err != nil {
			return nil, err
		}
		path = validated
		if params != "" {
			path += "?" + params
		}
	}

	if err := database.EnsureDirectory(path); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// - journal_mode=WAL: readers do not block the writer
	// - foreign_keys=ON: enforce foreign key constraints
	// - busy_timeout=5000: wait on lock instead of failing immediately
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite has a single writer; one connection serializes transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	return &Connection{db: db}, nil
}

// DB returns the underlying sql.DB.
func (c *Connection) DB() *sql.DB {
	return c.db
}

// Driver returns the driver type.
func (c *Connection) Driver() database.Driver {
	return database.DriverSQLite
}

// Close closes the database connection.
func (c *Connection) Close() error {
	return c.db.Close()
}

// Ping verifies the connection is still alive.
func (c *Connection) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// BeginTx starts a new transaction.
func (c *Connection) BeginTx(ctx context.Context) (database.Transaction, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Transaction{tx: tx}, nil
}

// Exec executes a query that doesn't return rows.
func (c *Connection) Exec(ctx context.Context, query string, args ...any) (database.Result, error) {
	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return database.WrapSQLResult(result), nil
}

// QueryRow executes a query that returns at most one row.
func (c *Connection) QueryRow(ctx context.Context, query string, args ...any) database.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// Query executes a query that returns multiple rows.
func (c *Connection) Query(ctx context.Context, query string, args ...any) (database.Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return database.WrapSQLRows(rows), nil
}

// Transaction wraps sql.Tx to implement database.Transaction.
type Transaction struct {
	tx *sql.Tx
}

// Commit commits the transaction.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Transaction) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// Exec executes a query that doesn't return rows.
func (t *Transaction) Exec(ctx context.Context, query string, args ...any) (database.Result, error) {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return database.WrapSQLResult(result), nil
}

// QueryRow executes a query that returns at most one row.
func (t *Transaction) QueryRow(ctx context.Context, query string, args ...any) database.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Query executes a query that returns multiple rows.
func (t *Transaction) Query(ctx context.Context, query string, args ...any) (database.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return database.WrapSQLRows(rows), nil
}
