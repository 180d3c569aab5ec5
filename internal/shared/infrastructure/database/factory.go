package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds database configuration.
type Config struct {
	// Driver specifies the database driver to use.
	// If empty or "auto", it will be detected from the URL.
	Driver Driver

	// URL is the connection string for PostgreSQL.
	URL string

	// SQLitePath is the path to the SQLite database file.
	// Defaults to ~/.slotwise/slotwise.db
	SQLitePath string

	// MaxConns is the maximum number of connections (PostgreSQL only).
	MaxConns int
}

// ConnectionFactory opens a Connection for a specific driver.
type ConnectionFactory func(ctx context.Context, cfg Config) (Connection, error)

var factories = map[Driver]ConnectionFactory{}

// RegisterDriver registers the connection factory for a driver.
// Driver packages call this from init().
func RegisterDriver(d Driver, fn ConnectionFactory) {
	factories[d] = fn
}

// NewConnection creates a database connection based on configuration.
func NewConnection(ctx context.Context, cfg Config) (Connection, error) {
	driver := cfg.Driver
	if driver == "" || driver == "auto" {
		driver = DetectDriver(cfg.URL)
	}

	fn, ok := factories[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported or unregistered database driver: %s", driver)
	}
	return fn(ctx, cfg)
}

// DefaultSQLitePath returns the default SQLite database path.
func DefaultSQLitePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".slotwise", "slotwise.db")
}

// EnsureDirectory creates the parent directory for a file path if it doesn't exist.
func EnsureDirectory(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
