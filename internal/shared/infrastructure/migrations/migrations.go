// Package migrations embeds and applies the schema for both database drivers.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database"
)

//go:embed sqlite/*.sql postgres/*.sql
var migrationsFS embed.FS

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TEXT NOT NULL
)`

// Files returns the ordered .up.sql migration names for a driver.
func Files(driver database.Driver) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, dirFor(driver))
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)
	return upFiles, nil
}

// Run applies every migration not yet recorded in schema_migrations.
// It returns the names of the migrations applied by this call.
func Run(ctx context.Context, conn database.Connection) ([]string, error) {
	if _, err := conn.Exec(ctx, createVersionTable); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	files, err := Files(conn.Driver())
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, file := range files {
		version := strings.TrimSuffix(file, ".up.sql")

		var n int
		if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&n); err != nil {
			return applied, fmt.Errorf("failed to check migration %s: %w", version, err)
		}
		if n > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile(dirFor(conn.Driver()) + "/" + file)
		if err != nil {
			return applied, fmt.Errorf("failed to read migration %s: %w", file, err)
		}

		if err := apply(ctx, conn, version, string(body)); err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}

	return applied, nil
}

func apply(ctx context.Context, conn database.Connection, version, body string) error {
	tx, err := conn.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, body); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", version, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, database.FormatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", version, err)
	}
	return tx.Commit(ctx)
}

func dirFor(driver database.Driver) string {
	if driver == database.DriverPostgres {
		return "postgres"
	}
	return "sqlite"
}
