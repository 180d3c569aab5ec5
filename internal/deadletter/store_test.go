package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database/dbtest"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := t0
	s := NewStore(dbtest.Open(t), nil).WithClock(func() time.Time { return now })
	return s, &now
}

func failedJob(lane queue.Lane, jobType string, finished time.Time) *queue.Job {
	return &queue.Job{
		ID:          uuid.NewString(),
		Lane:        lane,
		Type:        jobType,
		Payload:     json.RawMessage(`{"booking_id":"` + uuid.NewString() + `"}`),
		Priority:    7,
		Attempts:    3,
		MaxAttempts: 3,
		Backoff:     queue.BackoffPolicy{Kind: queue.BackoffFixed, Delay: 4 * time.Second},
		State:       queue.StateFailed,
		FinishedAt:  &finished,
	}
}

func TestPut_IsIdempotentPerJob(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	job := failedJob(queue.LaneBooking, queue.TypeDispatchCreateJob, t0)
	require.NoError(t, s.Put(ctx, job, "dispatch returned 503"))
	require.NoError(t, s.Put(ctx, job, "dispatch returned 503"))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, job.ID, e.JobID)
	assert.Equal(t, queue.LaneBooking, e.Lane)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, job.Backoff, e.Backoff)
	assert.Equal(t, "dispatch returned 503", e.Reason)
	assert.True(t, e.FailedAt.Equal(t0))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
}

func TestList_FiltersAndCounts(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, failedJob(queue.LaneBooking, queue.TypeDispatchCreateJob, t0), "a"))
	require.NoError(t, s.Put(ctx, failedJob(queue.LaneIntegration, queue.TypeSlotConfirm, t0.Add(time.Minute)), "b"))
	require.NoError(t, s.Put(ctx, failedJob(queue.LaneIntegration, queue.TypeSlotRelease, t0.Add(2*time.Minute)), "c"))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Reason)

	integration, err := s.List(ctx, Filter{Lane: queue.LaneIntegration})
	require.NoError(t, err)
	assert.Len(t, integration, 2)

	confirm, err := s.List(ctx, Filter{JobType: queue.TypeSlotConfirm})
	require.NoError(t, err)
	require.Len(t, confirm, 1)
	assert.Equal(t, "b", confirm[0].Reason)

	page, err := s.List(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Reason)

	byLane, err := s.CountByLane(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[queue.Lane]int{queue.LaneBooking: 1, queue.LaneIntegration: 2}, byLane)
}

func TestRequeue_StartsFreshAttemptsAndRemovesEntry(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	m, err := queue.NewManager(queue.NewMemoryBackend(), queue.DefaultManagerConfig(), queue.Deps{})
	require.NoError(t, err)

	job := failedJob(queue.LaneBooking, queue.TypeDispatchCreateJob, t0)
	require.NoError(t, s.Put(ctx, job, "exhausted"))
	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	newID, err := s.Requeue(ctx, entries[0].ID, m)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, newID)

	requeued, err := m.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, requeued.State)
	assert.Zero(t, requeued.Attempts)
	assert.Equal(t, 3, requeued.MaxAttempts)
	assert.Equal(t, 7, requeued.Priority)
	assert.Equal(t, job.Backoff, requeued.Backoff)
	assert.JSONEq(t, string(job.Payload), string(requeued.Payload))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Requeue(ctx, entries[0].ID, m)
	assert.True(t, apperrors.IsNotFound(err))
}

type countingEnqueuer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingEnqueuer) EnqueueRaw(context.Context, queue.Lane, string, json.RawMessage, ...queue.EnqueueOption) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return uuid.NewString(), nil
}

func TestRequeue_ConcurrentRetriesEnqueueOnce(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, failedJob(queue.LaneBooking, queue.TypeDispatchCreateJob, t0), "exhausted"))
	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	q := &countingEnqueuer{}
	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Requeue(ctx, entries[0].ID, q)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, apperrors.IsNotFound(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, q.calls)
}

func TestRequeue_FailedEnqueueKeepsEntry(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	job := failedJob(queue.LaneIntegration, queue.TypeSlotConfirm, t0)
	require.NoError(t, s.Put(ctx, job, "exhausted"))
	before, err := s.FindByJobID(ctx, job.ID)
	require.NoError(t, err)

	q := &countingEnqueuer{err: errors.New("redis: connection refused")}
	_, err = s.Requeue(ctx, before.ID, q)
	require.Error(t, err)

	after, err := s.Get(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, before.JobID, after.JobID)
	assert.Equal(t, before.Attempts, after.Attempts)
	assert.True(t, before.FailedAt.Equal(after.FailedAt))

	q.err = nil
	_, err = s.Requeue(ctx, before.ID, q)
	require.NoError(t, err)
	assert.Equal(t, 2, q.calls)
}

func TestPut_TruncatesReasonOnRuneBoundary(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	job := failedJob(queue.LaneNotification, queue.TypeNotificationSend, t0)
	require.NoError(t, s.Put(ctx, job, strings.Repeat("é", maxReasonLength+10)))

	e, err := s.FindByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(e.Reason))
	assert.LessOrEqual(t, utf8.RuneCountInString(e.Reason), maxReasonLength+1)
}

func TestFindByJobID(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	job := failedJob(queue.LaneNotification, queue.TypeNotificationSend, t0)
	require.NoError(t, s.Put(ctx, job, "smtp down"))

	e, err := s.FindByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "smtp down", e.Reason)

	_, err = s.FindByJobID(ctx, uuid.NewString())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRemoveAndSweep(t *testing.T) {
	s, now := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, failedJob(queue.LaneAnalytics, queue.TypeAnalyticsTrack, t0.Add(-48*time.Hour)), "old"))
	require.NoError(t, s.Put(ctx, failedJob(queue.LaneAnalytics, queue.TypeAnalyticsTrack, t0), "new"))

	*now = t0.Add(time.Hour)
	n, err := s.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Reason)

	require.NoError(t, s.Remove(ctx, entries[0].ID))
	assert.True(t, apperrors.IsNotFound(s.Remove(ctx, entries[0].ID)))
}

func TestStore_BacksManagerDeadLetters(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	m, err := queue.NewManager(queue.NewMemoryBackend(), queue.DefaultManagerConfig(), queue.Deps{DeadLetters: s})
	require.NoError(t, err)
	require.NoError(t, m.Register(queue.LaneBooking, queue.TypeDispatchCreateJob, func(context.Context, *queue.Job) error {
		return apperrors.Terminal("dispatch.create_job", assert.AnError)
	}))

	id, err := m.Enqueue(ctx, queue.DispatchCreateJob{BookingID: uuid.NewString()})
	require.NoError(t, err)
	_, err = m.ProcessNext(ctx, queue.LaneBooking)
	require.NoError(t, err)

	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].JobID)
	assert.Equal(t, 1, entries[0].Attempts)
}
