package database

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNoRows is returned when a query expected to return a row returns none.
var ErrNoRows = errors.New("no rows in result set")

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// IsNoRows returns true if the error indicates no rows were found.
// This handles both pgx.ErrNoRows and sql.ErrNoRows.
func IsNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows) ||
		errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, ErrNoRows)
}

// IsUniqueViolation reports whether err is a unique constraint violation
// raised by the storage engine, for either driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	// database/sql may flatten driver errors when a connection is torn down.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ConstraintName returns the violated constraint for PostgreSQL errors.
// SQLite does not report index names, so an empty string is returned.
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
