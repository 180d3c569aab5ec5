package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	entries map[string]string
	failPut bool
}

func newFakeDeadLetters() *fakeDeadLetters {
	return &fakeDeadLetters{entries: make(map[string]string)}
}

func (f *fakeDeadLetters) Put(_ context.Context, job *Job, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut {
		return errors.New("dead letter store offline")
	}
	f.entries[job.ID] = reason
	return nil
}

func (f *fakeDeadLetters) Count(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries), nil
}

func (f *fakeDeadLetters) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[string]string)
}

type fakeLedger struct {
	mu       sync.Mutex
	failures []ledger.Failure
}

func (f *fakeLedger) Record(_ context.Context, fl ledger.Failure) (*ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, fl)
	return &ledger.Entry{}, nil
}

type recordingObserver struct {
	NoopObserver
	mu        sync.Mutex
	completed int
	delays    []time.Duration
	failed    int
	stalled   int
	alarms    int
}

func (o *recordingObserver) JobCompleted(context.Context, string, string, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func (o *recordingObserver) JobRetried(_ context.Context, _, _ string, _ int, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delays = append(o.delays, delay)
}

func (o *recordingObserver) JobFailed(context.Context, string, string, int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *recordingObserver) JobsStalled(_ context.Context, _ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stalled += n
}

func (o *recordingObserver) DeadLetterThresholdCrossed(context.Context, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.alarms++
}

type harness struct {
	manager     *Manager
	backend     *MemoryBackend
	clock       *fakeClock
	deadLetters *fakeDeadLetters
	ledger      *fakeLedger
	observer    *recordingObserver
}

func newHarness(t *testing.T, mutate func(*ManagerConfig)) *harness {
	t.Helper()
	h := &harness{
		backend:     NewMemoryBackend(),
		clock:       newFakeClock(),
		deadLetters: newFakeDeadLetters(),
		ledger:      &fakeLedger{},
		observer:    &recordingObserver{},
	}
	cfg := DefaultManagerConfig()
	cfg.PollInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(h.backend, cfg, Deps{
		DeadLetters: h.deadLetters,
		Ledger:      h.ledger,
		Observer:    h.observer,
		Clock:       h.clock.Now,
	})
	require.NoError(t, err)
	h.manager = m
	return h
}

func bookingPayload() DispatchCreateJob {
	return DispatchCreateJob{BookingID: uuid.NewString()}
}

func TestNewManager_RejectsInvalidLanes(t *testing.T) {
	_, err := NewManager(nil, DefaultManagerConfig(), Deps{})
	require.Error(t, err)

	cfg := DefaultManagerConfig()
	cfg.Lanes = []LaneConfig{{Name: LaneBooking, Concurrency: 0, MaxAttempts: 1}}
	_, err = NewManager(NewMemoryBackend(), cfg, Deps{})
	require.Error(t, err)

	cfg.Lanes = []LaneConfig{
		{Name: LaneBooking, Concurrency: 1, MaxAttempts: 1},
		{Name: LaneBooking, Concurrency: 1, MaxAttempts: 1},
	}
	_, err = NewManager(NewMemoryBackend(), cfg, Deps{})
	require.Error(t, err)
}

func TestRegister_ChecksLaneOwnership(t *testing.T) {
	h := newHarness(t, nil)
	noop := func(context.Context, *Job) error { return nil }

	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, noop))
	assert.Error(t, h.manager.Register(LaneAnalytics, TypeDispatchCreateJob, noop))
	assert.Error(t, h.manager.Register(Lane("reports"), TypeAnalyticsTrack, noop))
}

func TestEnqueue_AppliesLaneDefaultsAndOptions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.manager.Enqueue(ctx, bookingPayload())
	require.NoError(t, err)
	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, LaneBooking, job.Lane)
	assert.Equal(t, 10, job.Priority)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, StateWaiting, job.State)

	id, err = h.manager.Enqueue(ctx, bookingPayload(),
		WithPriority(1), WithMaxAttempts(2), WithDelay(time.Minute))
	require.NoError(t, err)
	job, err = h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Priority)
	assert.Equal(t, 2, job.MaxAttempts)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, h.clock.Now().Add(time.Minute), job.VisibleAt)
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, DispatchCreateJob{BookingID: "not-a-uuid"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = h.manager.Enqueue(ctx, bookingPayload(), WithPriority(MaxPriority+1))
	assert.True(t, apperrors.IsValidation(err))

	_, err = h.manager.EnqueueRaw(ctx, LaneAnalytics, TypeDispatchCreateJob, json.RawMessage(`{}`))
	assert.True(t, apperrors.IsValidation(err))
}

func TestProcessNext_ClaimsByPriorityThenAge(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var order []string
	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(_ context.Context, job *Job) error {
		order = append(order, job.ID)
		return nil
	}))

	low, err := h.manager.Enqueue(ctx, bookingPayload(), WithPriority(50))
	require.NoError(t, err)
	firstHigh, err := h.manager.Enqueue(ctx, bookingPayload(), WithPriority(1))
	require.NoError(t, err)
	secondHigh, err := h.manager.Enqueue(ctx, bookingPayload(), WithPriority(1))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := h.manager.ProcessNext(ctx, LaneBooking)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := h.manager.ProcessNext(ctx, LaneBooking)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{firstHigh, secondHigh, low}, order)
}

func TestProcessNext_RetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	calls := 0
	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(context.Context, *Job) error {
		calls++
		if calls < 3 {
			return errors.New("dispatch timeout")
		}
		return nil
	}))

	id, err := h.manager.Enqueue(ctx, bookingPayload(),
		WithMaxAttempts(3),
		WithBackoff(BackoffPolicy{Kind: BackoffExponential, Delay: time.Second}))
	require.NoError(t, err)

	ok, err := h.manager.ProcessNext(ctx, LaneBooking)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "dispatch timeout", job.LastError)

	// Not due yet.
	ok, err = h.manager.ProcessNext(ctx, LaneBooking)
	require.NoError(t, err)
	assert.False(t, ok)

	h.clock.Advance(time.Second)
	ok, _ = h.manager.ProcessNext(ctx, LaneBooking)
	require.True(t, ok)
	h.clock.Advance(2 * time.Second)
	ok, _ = h.manager.ProcessNext(ctx, LaneBooking)
	require.True(t, ok)

	job, err = h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 2, job.Attempts)
	assert.NotNil(t, job.FinishedAt)

	assert.Equal(t, 3, calls)
	assert.Empty(t, h.deadLetters.entries)
	assert.Empty(t, h.ledger.failures)
	assert.Equal(t, 1, h.observer.completed)
}

func TestProcessNext_ExhaustedJobIsDeadLetteredOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(context.Context, *Job) error {
		return errors.New("dispatch returned 503")
	}))

	id, err := h.manager.Enqueue(ctx, bookingPayload(),
		WithMaxAttempts(4),
		WithBackoff(BackoffPolicy{Kind: BackoffExponential, Delay: time.Second}))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		ok, err := h.manager.ProcessNext(ctx, LaneBooking)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", i+1)
		h.clock.Advance(time.Hour)
	}
	ok, err := h.manager.ProcessNext(ctx, LaneBooking)
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 4, job.Attempts)

	require.Len(t, h.deadLetters.entries, 1)
	assert.Equal(t, "dispatch returned 503", h.deadLetters.entries[id])

	require.Len(t, h.ledger.failures, 1)
	f := h.ledger.failures[0]
	assert.Equal(t, ledger.TypeJobFailed, f.Type)
	assert.Equal(t, TypeDispatchCreateJob, f.Operation)
	assert.Equal(t, id, f.Context["job_id"])
	assert.True(t, f.Retryable)

	require.Len(t, h.observer.delays, 3)
	for i := 1; i < len(h.observer.delays); i++ {
		assert.Greater(t, h.observer.delays[i], h.observer.delays[i-1])
	}
	assert.Equal(t, 1, h.observer.failed)
}

func TestProcessNext_TerminalErrorSkipsRetries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(context.Context, *Job) error {
		return apperrors.Terminal("dispatch.create_job", errors.New("booking not found"))
	}))

	id, err := h.manager.Enqueue(ctx, bookingPayload())
	require.NoError(t, err)

	ok, err := h.manager.ProcessNext(ctx, LaneBooking)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Len(t, h.deadLetters.entries, 1)
	require.Len(t, h.ledger.failures, 1)
	assert.False(t, h.ledger.failures[0].Retryable)
}

func TestProcessNext_MissingHandlerFailsJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.manager.Enqueue(ctx, AnalyticsTrack{Event: "booking_created"})
	require.NoError(t, err)

	ok, err := h.manager.ProcessNext(ctx, LaneAnalytics)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
}

func TestProcessNext_RecoversHandlerPanic(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(context.Context, *Job) error {
		panic("nil map")
	}))

	id, err := h.manager.Enqueue(ctx, bookingPayload())
	require.NoError(t, err)

	ok, err := h.manager.ProcessNext(ctx, LaneBooking)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Contains(t, job.LastError, "nil map")
}

func TestProcessNext_DeadLetterWriteFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, nil)
	h.deadLetters.failPut = true
	ctx := context.Background()

	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(context.Context, *Job) error {
		return apperrors.Terminal("dispatch.create_job", errors.New("rejected"))
	}))
	id, err := h.manager.Enqueue(ctx, bookingPayload())
	require.NoError(t, err)

	ok, err := h.manager.ProcessNext(ctx, LaneBooking)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Len(t, h.ledger.failures, 1)
}

func TestHandlerFor_DecodesPayload(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	p := NotificationSend{BookingID: uuid.NewString(), Template: TemplateBookingConfirmed}
	var got NotificationSend
	require.NoError(t, h.manager.Register(LaneNotification, TypeNotificationSend,
		HandlerFor(func(_ context.Context, _ *Job, payload NotificationSend) error {
			got = payload
			return nil
		})))

	_, err := h.manager.Enqueue(ctx, p)
	require.NoError(t, err)
	ok, err := h.manager.ProcessNext(ctx, LaneNotification)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)
}

func TestHandlerFor_MalformedPayloadIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.manager.Register(LaneNotification, TypeNotificationSend,
		HandlerFor(func(context.Context, *Job, NotificationSend) error { return nil })))

	id, err := h.manager.EnqueueRaw(ctx, LaneNotification, TypeNotificationSend, json.RawMessage(`{"booking_id":"x"}`))
	require.NoError(t, err)
	_, err = h.manager.ProcessNext(ctx, LaneNotification)
	require.NoError(t, err)

	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 1, job.Attempts)
}

func TestRecoverStalled_KeepsAttempts(t *testing.T) {
	h := newHarness(t, func(c *ManagerConfig) { c.StallWindow = time.Minute })
	ctx := context.Background()

	id, err := h.manager.Enqueue(ctx, bookingPayload())
	require.NoError(t, err)

	// Simulate a worker that claimed the job and died.
	claimed, err := h.backend.Claim(ctx, LaneBooking, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	n, err := h.manager.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Minute)
	n, err = h.manager.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.observer.stalled)

	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Zero(t, job.Attempts)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(context.Context, *Job) error { return nil }))
	_, err := h.manager.Enqueue(ctx, bookingPayload())
	require.NoError(t, err)

	require.NoError(t, h.manager.Pause(ctx, LaneBooking))
	ok, err := h.manager.ProcessNext(ctx, LaneBooking)
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := h.manager.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 4)
	assert.Equal(t, LaneBooking, stats[0].Lane)
	assert.True(t, stats[0].Paused)
	assert.Equal(t, 1, stats[0].Counts[StateWaiting])

	require.NoError(t, h.manager.Resume(ctx, LaneBooking))
	ok, err = h.manager.ProcessNext(ctx, LaneBooking)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, apperrors.IsNotFound(h.manager.Pause(ctx, Lane("reports"))))
}

func TestCheckDeadLetterThreshold_AlarmsOncePerCrossing(t *testing.T) {
	h := newHarness(t, func(c *ManagerConfig) { c.DeadLetterAlertThreshold = 2 })
	ctx := context.Background()

	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(context.Context, *Job) error {
		return apperrors.Terminal("dispatch.create_job", errors.New("rejected"))
	}))

	fail := func(n int) {
		for i := 0; i < n; i++ {
			_, err := h.manager.Enqueue(ctx, bookingPayload())
			require.NoError(t, err)
			_, err = h.manager.ProcessNext(ctx, LaneBooking)
			require.NoError(t, err)
		}
	}

	fail(1)
	assert.Equal(t, 0, h.observer.alarms)
	fail(3)
	assert.Equal(t, 1, h.observer.alarms)

	h.deadLetters.clear()
	h.manager.CheckDeadLetterThreshold(ctx)
	fail(2)
	assert.Equal(t, 2, h.observer.alarms)
}

func TestClean_OnlyFinishedStates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(context.Context, *Job) error { return nil }))
	_, err := h.manager.Enqueue(ctx, bookingPayload())
	require.NoError(t, err)
	_, err = h.manager.ProcessNext(ctx, LaneBooking)
	require.NoError(t, err)

	_, err = h.manager.Clean(ctx, LaneBooking, StateWaiting, 0)
	assert.True(t, apperrors.IsValidation(err))

	n, err := h.manager.Clean(ctx, LaneBooking, StateCompleted, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Hour)
	n, err = h.manager.Clean(ctx, LaneBooking, StateCompleted, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessNext_PrunesCompletedHistory(t *testing.T) {
	h := newHarness(t, func(c *ManagerConfig) { c.KeepCompleted = 2 })
	ctx := context.Background()

	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(context.Context, *Job) error { return nil }))
	for i := 0; i < 5; i++ {
		_, err := h.manager.Enqueue(ctx, bookingPayload())
		require.NoError(t, err)
		_, err = h.manager.ProcessNext(ctx, LaneBooking)
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	counts, err := h.manager.Counts(ctx, LaneBooking)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StateCompleted])
}

func TestStartStop_ProcessesConcurrently(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var done atomic.Int32
	require.NoError(t, h.manager.Register(LaneNotification, TypeNotificationSend, func(context.Context, *Job) error {
		done.Add(1)
		return nil
	}))

	for i := 0; i < 20; i++ {
		_, err := h.manager.Enqueue(ctx, NotificationSend{BookingID: uuid.NewString(), Template: TemplateBookingReceived})
		require.NoError(t, err)
	}

	require.NoError(t, h.manager.Start(ctx))
	assert.True(t, h.manager.IsRunning())
	require.Eventually(t, func() bool { return done.Load() == 20 }, 5*time.Second, 10*time.Millisecond)
	h.manager.Stop()
	assert.False(t, h.manager.IsRunning())

	// Stop is idempotent.
	h.manager.Stop()
}

func TestStop_LetsInFlightJobFinish(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool
	require.NoError(t, h.manager.Register(LaneBooking, TypeDispatchCreateJob, func(jobCtx context.Context, _ *Job) error {
		close(started)
		<-release
		sawCancel.Store(jobCtx.Err() != nil)
		return nil
	}))

	id, err := h.manager.Enqueue(ctx, bookingPayload())
	require.NoError(t, err)
	require.NoError(t, h.manager.Start(ctx))
	<-started

	stopped := make(chan struct{})
	go func() {
		h.manager.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped

	assert.False(t, sawCancel.Load())
	job, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
}
