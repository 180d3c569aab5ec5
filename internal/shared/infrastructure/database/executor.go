package database

import (
	"context"
	"database/sql"
)

// Row represents a single result row.
// This interface abstracts pgx.Row and *sql.Row.
type Row interface {
	Scan(dest ...any) error
}

// Rows represents multiple result rows.
// This interface abstracts pgx.Rows and *sql.Rows.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Result represents the result of an Exec operation.
type Result interface {
	RowsAffected() (int64, error)
}

// Executor is the query interface used by every repository. Queries are
// written with '?' placeholders; implementations rebind them for their driver.
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) (Result, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// Transaction wraps Executor with Commit/Rollback capabilities.
type Transaction interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Connection represents a database connection that can create transactions.
type Connection interface {
	Executor
	BeginTx(ctx context.Context) (Transaction, error)
	Close() error
	Ping(ctx context.Context) error
	Driver() Driver
}

type sqlResult struct {
	result sql.Result
}

func (r *sqlResult) RowsAffected() (int64, error) {
	return r.result.RowsAffected()
}

// WrapSQLResult wraps a sql.Result to implement the Result interface.
func WrapSQLResult(r sql.Result) Result {
	return &sqlResult{result: r}
}

// WrapSQLRows wraps *sql.Rows to implement the Rows interface.
// *sql.Rows already satisfies it; the wrapper keeps call sites uniform.
func WrapSQLRows(r *sql.Rows) Rows {
	return r
}
