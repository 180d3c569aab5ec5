// Package apptest builds local-mode containers for tests.
package apptest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/slotwise/internal/app"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/pkg/config"
)

// Config returns a local-mode config with the database in a per-test
// temp dir and no external collaborators.
func Config(t testing.TB) *config.Config {
	t.Helper()
	return &config.Config{
		AppEnv:                   "test",
		LogLevel:                 "error",
		SQLitePath:               filepath.Join(t.TempDir(), "slotwise.db"),
		QueueBackend:             app.QueueBackendSQL,
		QueueKeyPrefix:           "slotwise-test",
		QueuePollInterval:        50 * time.Millisecond,
		QueueStallWindow:         time.Minute,
		QueueStallCheckInterval:  time.Minute,
		QueueKeepCompleted:       100,
		QueueCleanGrace:          time.Hour,
		LaneConcurrency:          map[string]int{"analytics": 1},
		DeadLetterAlertThreshold: 10,
		BookingTxTimeout:         5 * time.Second,
		BreakerCallTimeout:       time.Second,
		BreakerErrorThreshold:    50,
		BreakerVolumeThreshold:   5,
		BreakerWindow:            time.Minute,
		BreakerResetTimeout:      time.Minute,
		LedgerRetentionDays:      30,
		CleanupInterval:          time.Hour,
		StatsInterval:            time.Minute,
		IntegrationHTTPTimeout:   time.Second,
	}
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewContainer builds a local container over Config(t). It is closed when
// the test ends.
func NewContainer(t testing.TB) *app.Container {
	t.Helper()
	c, err := app.NewLocalContainer(context.Background(), Config(t), Logger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// FailJob enqueues a dispatch job for a booking that does not exist and
// processes it. The job fails terminally, leaving one dead letter and one
// JOB_FAILED ledger entry. It returns the job id.
func FailJob(t testing.TB, c *app.Container) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.RegisterWorkers())
	id, err := c.Queue.Enqueue(ctx, queue.DispatchCreateJob{BookingID: uuid.NewString()})
	require.NoError(t, err)
	processed, err := c.Queue.ProcessNext(ctx, queue.LaneBooking)
	require.NoError(t, err)
	require.True(t, processed)
	return id
}
