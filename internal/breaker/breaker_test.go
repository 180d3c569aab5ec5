package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
)

var errDown = errors.New("connection refused")

type recorder struct {
	mu          sync.Mutex
	transitions []string
	outcomes    []string
}

func (r *recorder) BreakerStateChanged(_, from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from+"->"+to)
}

func (r *recorder) BreakerCall(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) lastOutcome() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return ""
	}
	return r.outcomes[len(r.outcomes)-1]
}

func testConfig() Config {
	return Config{
		CallTimeout:     time.Second,
		ErrorThreshold:  50,
		VolumeThreshold: 4,
		ResetTimeout:    50 * time.Millisecond,
	}
}

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func TestBreaker_TripsOnFailureRate(t *testing.T) {
	rec := &recorder{}
	b := New("dispatch.create_job", testConfig(), rec, nil)
	ctx := context.Background()

	// 2 of 4 failed: exactly 50%, not above the threshold.
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, succeed))
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, "closed", b.State())

	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, "open", b.State())
	assert.Equal(t, []string{"closed->open"}, rec.transitions)
}

func TestBreaker_DoesNotTripBelowVolume(t *testing.T) {
	b := New("scheduling.confirm_slot", testConfig(), nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	assert.Equal(t, "closed", b.State())
}

func tripped(t *testing.T, rec Observer) *Breaker {
	t.Helper()
	cfg := testConfig()
	cfg.VolumeThreshold = 1
	b := New("notification.send", cfg, rec, nil)
	require.Error(t, b.Execute(context.Background(), fail))
	require.Equal(t, "open", b.State())
	return b
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	rec := &recorder{}
	b := tripped(t, rec)

	var calls atomic.Int32
	err := b.Execute(context.Background(), func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls.Load())
	assert.Equal(t, OutcomeRejected, rec.lastOutcome())
}

func TestBreaker_FallbackOnRejection(t *testing.T) {
	b := tripped(t, nil)

	got, err := CallWithFallback(context.Background(), b,
		func(context.Context) (string, error) { return "live", nil },
		func(_ context.Context, err error) (string, error) {
			assert.ErrorIs(t, err, ErrOpen)
			return "cached", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "cached", got)
}

func TestBreaker_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	rec := &recorder{}
	b := tripped(t, rec)
	time.Sleep(70 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	var probes atomic.Int32
	probeErr := make(chan error, 1)
	go func() {
		probeErr <- b.Execute(context.Background(), func(context.Context) error {
			probes.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.Equal(t, "half-open", b.State())

	err := b.Execute(context.Background(), func(context.Context) error {
		probes.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)

	close(release)
	require.NoError(t, <-probeErr)
	assert.Equal(t, int32(1), probes.Load())
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, rec.transitions)
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := tripped(t, nil)
	time.Sleep(70 * time.Millisecond)

	require.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, "open", b.State())
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	b := New("dispatch.cancel_job", cfg, rec, nil)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.True(t, apperrors.IsTimeout(err))
	assert.Equal(t, uint32(1), b.Snapshot().TotalFailures)
	assert.Equal(t, OutcomeTimeout, rec.lastOutcome())
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.VolumeThreshold = 1
	b := New("analytics.publish", cfg, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Execute(ctx, fail)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", b.State())
	assert.Zero(t, b.Snapshot().TotalFailures)
	assert.Zero(t, b.Snapshot().TotalSuccesses)
	assert.Equal(t, uint32(1), b.Snapshot().TotalExclusions)
	assert.Equal(t, OutcomeCancelled, rec.lastOutcome())
}

func TestBreaker_CancelledCallsDoNotDiluteFailureRate(t *testing.T) {
	b := New("dispatch.create_job", testConfig(), nil, nil)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(cancelled, succeed), context.Canceled)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	assert.Equal(t, "closed", b.State(), "three counted calls are below the volume threshold")

	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, "open", b.State())
	assert.Zero(t, b.Snapshot().TotalSuccesses)
}

func TestBreaker_CancelledProbeLeavesBreakerHalfOpen(t *testing.T) {
	rec := &recorder{}
	b := tripped(t, rec)
	time.Sleep(70 * time.Millisecond)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	err := b.Execute(cancelled, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
	assert.Equal(t, "half-open", b.State())

	// The abandoned call frees the half-open slot for a real one.
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, rec.transitions)
}

func TestBreaker_RollingWindowKeepsRecentFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 200 * time.Millisecond
	b := New("scheduling.confirm_slot", cfg, nil, nil)
	ctx := context.Background()

	time.Sleep(120 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}

	// Past the first full window: a fixed window would have reset here.
	time.Sleep(100 * time.Millisecond)
	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, "open", b.State())
}

func TestBreaker_RollingWindowExpiresOldFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 100 * time.Millisecond
	b := New("scheduling.release_slot", cfg, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	time.Sleep(150 * time.Millisecond)

	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, uint32(1), b.Snapshot().TotalFailures)
}

func TestBreaker_NonRetryableErrorsDoNotTrip(t *testing.T) {
	cfg := testConfig()
	cfg.VolumeThreshold = 1
	b := New("dispatch.create_job", cfg, nil, nil)

	err := b.Execute(context.Background(), func(context.Context) error {
		return apperrors.Terminal("dispatch.create_job", errors.New("422 unprocessable"))
	})
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))
	assert.Equal(t, "closed", b.State())
}

func TestCall_ReturnsValue(t *testing.T) {
	b := New("scheduling.confirm_slot", testConfig(), nil, nil)

	got, err := Call(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestBreaker_RecoversPanics(t *testing.T) {
	b := New("notification.send", testConfig(), nil, nil)

	err := b.Execute(context.Background(), func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testConfig(), nil, nil)

	a := r.Get("scheduling.release_slot")
	assert.Same(t, a, r.Get("scheduling.release_slot"))
	r.Get("dispatch.create_job")

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "dispatch.create_job", snap[0].Name)
	assert.Equal(t, "closed", snap[0].State)
	assert.Equal(t, "scheduling.release_slot", snap[1].Name)
}
