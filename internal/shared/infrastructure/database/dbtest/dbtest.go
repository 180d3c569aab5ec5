// Package dbtest opens migrated SQLite databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/migrations"
)

// Open returns a connection to a fresh, fully migrated database in a
// per-test temp dir. It is closed when the test ends.
func Open(t testing.TB) database.Connection {
	t.Helper()
	ctx := context.Background()

	conn, err := sqlite.NewConnection(ctx, database.Config{
		Driver:     database.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "slotwise.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = migrations.Run(ctx, conn)
	require.NoError(t, err)
	return conn
}
