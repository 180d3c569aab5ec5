package migrations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database/sqlite"
)

func TestFiles_SameSetForBothDrivers(t *testing.T) {
	lite, err := Files(database.DriverSQLite)
	require.NoError(t, err)
	pg, err := Files(database.DriverPostgres)
	require.NoError(t, err)

	assert.NotEmpty(t, lite)
	assert.Equal(t, lite, pg)
}

func TestRun_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := sqlite.NewConnection(ctx, database.Config{SQLitePath: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	defer conn.Close()

	first, err := Run(ctx, conn)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := Run(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, second)

	for _, table := range []string{"bookings", "error_ledger", "dead_letters", "queue_jobs", "queue_lanes"} {
		var n int
		err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}
