package admin_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/slotwise/internal/admin"
	"github.com/felixgeelhaar/slotwise/internal/breaker"
	"github.com/felixgeelhaar/slotwise/internal/deadletter"
	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database/dbtest"
)

type harness struct {
	svc         *admin.Service
	manager     *queue.Manager
	deadLetters *deadletter.Store
	ledger      *ledger.Service
	now         *time.Time
}

func newHarness(t *testing.T, breakers *breaker.Registry) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	dl := deadletter.NewStore(conn, nil)
	led := ledger.NewService(ledger.NewSQLRepository(conn), nil)
	m, err := queue.NewManager(queue.NewMemoryBackend(), queue.DefaultManagerConfig(), queue.Deps{
		DeadLetters: dl,
		Ledger:      led,
		Clock:       func() time.Time { return now },
	})
	require.NoError(t, err)

	return &harness{
		svc:         admin.NewService(m, dl, led, breakers, nil),
		manager:     m,
		deadLetters: dl,
		ledger:      led,
		now:         &now,
	}
}

// failAnalyticsJob runs one analytics job through a handler that fails
// terminally, leaving a dead letter and a JOB_FAILED ledger entry.
func (h *harness) failAnalyticsJob(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.manager.Register(queue.LaneAnalytics, queue.TypeAnalyticsTrack, func(context.Context, *queue.Job) error {
		return apperrors.Terminal("analytics.publish", errors.New("schema rejected"))
	}))

	id, err := h.manager.Enqueue(ctx, queue.AnalyticsTrack{Event: "booking_created", OccurredAt: *h.now})
	require.NoError(t, err)
	ok, err := h.manager.ProcessNext(ctx, queue.LaneAnalytics)
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func TestQueueStats_IncludesDeadLetterBacklog(t *testing.T) {
	h := newHarness(t, nil)
	h.failAnalyticsJob(t)

	stats, err := h.svc.QueueStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, len(h.manager.Lanes()))

	for _, lv := range stats {
		if lv.Lane == queue.LaneAnalytics {
			assert.Equal(t, 1, lv.DeadLetters)
			assert.Equal(t, 1, lv.Counts[queue.StateFailed])
		} else {
			assert.Zero(t, lv.DeadLetters)
		}
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.svc.Pause(ctx, string(queue.LaneNotification)))
	stats, err := h.svc.QueueStats(ctx)
	require.NoError(t, err)
	for _, lv := range stats {
		assert.Equal(t, lv.Lane == queue.LaneNotification, lv.Paused)
	}

	require.NoError(t, h.svc.Resume(ctx, string(queue.LaneNotification)))
	assert.True(t, apperrors.IsNotFound(h.svc.Pause(ctx, "billing")))
}

func TestClean_ValidatesInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Clean(ctx, string(queue.LaneBooking), string(queue.StateCompleted), -time.Second)
	assert.True(t, apperrors.IsValidation(err))

	_, err = h.svc.Clean(ctx, string(queue.LaneBooking), string(queue.StateWaiting), time.Hour)
	assert.True(t, apperrors.IsValidation(err))
}

func TestDeadLetters_RetryAndRemove(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.failAnalyticsJob(t)

	entries, err := h.svc.ListDeadLetters(ctx, deadletter.Filter{Lane: queue.LaneAnalytics})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	jobID, err := h.svc.RetryDeadLetter(ctx, entries[0].ID.String())
	require.NoError(t, err)
	job, err := h.manager.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Zero(t, job.Attempts)

	_, err = h.svc.RetryDeadLetter(ctx, "not-a-uuid")
	assert.True(t, apperrors.IsValidation(err))
	assert.True(t, apperrors.IsNotFound(h.svc.RemoveDeadLetter(ctx, uuid.NewString())))
}

func TestRetryError_RequeuesDeadLetteredJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	originalID := h.failAnalyticsJob(t)

	errs, err := h.svc.ListErrors(ctx, ledger.Filter{Type: ledger.TypeJobFailed})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, originalID, errs[0].Context["job_id"])
	assert.False(t, errs[0].Retryable)

	res, err := h.svc.RetryError(ctx, errs[0].ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entry.RetryCount)
	require.NotEmpty(t, res.RequeuedJobID)
	assert.NotEqual(t, originalID, res.RequeuedJobID)

	n, err := h.deadLetters.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The dead letter is gone, so a second retry only counts.
	res, err = h.svc.RetryError(ctx, errs[0].ID.String())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entry.RetryCount)
	assert.Empty(t, res.RequeuedJobID)
}

func TestRetryError_NonJobEntryOnlyCounts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	e, err := h.ledger.Record(ctx, ledger.Failure{
		Type:      ledger.TypeBooking,
		Operation: "booking.create",
		Err:       errors.New("connection reset"),
		Retryable: true,
	})
	require.NoError(t, err)

	res, err := h.svc.RetryError(ctx, e.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entry.RetryCount)
	assert.Empty(t, res.RequeuedJobID)

	_, err = h.svc.RetryError(ctx, uuid.NewString())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestResolveError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.failAnalyticsJob(t)

	errs, err := h.svc.ListErrors(ctx, ledger.Filter{UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, errs, 1)

	resolved, err := h.svc.ResolveError(ctx, errs[0].ID.String(), "ops", "schema fixed")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "ops", resolved.ResolvedBy)

	errs, err = h.svc.ListErrors(ctx, ledger.Filter{UnresolvedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestSweepRetention_CleansFinishedJobs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.failAnalyticsJob(t)

	report, err := h.svc.SweepRetention(ctx, admin.RetentionPolicy{CleanGrace: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, report.CleanedJobs)

	*h.now = h.now.Add(2 * time.Hour)
	report, err = h.svc.SweepRetention(ctx, admin.RetentionPolicy{CleanGrace: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, report.CleanedJobs)

	n, err := h.deadLetters.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "dead letters outlive the job record")
}

func TestBreakers(t *testing.T) {
	assert.Empty(t, newHarness(t, nil).svc.Breakers())

	reg := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)
	reg.Get("dispatch.create_job")
	snaps := newHarness(t, reg).svc.Breakers()
	require.Len(t, snaps, 1)
	assert.Equal(t, "dispatch.create_job", snaps[0].Name)
	assert.Equal(t, "closed", snaps[0].State)
}
