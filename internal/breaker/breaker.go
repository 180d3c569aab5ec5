// Package breaker wraps calls to unreliable collaborators in circuit breakers.
//
// A breaker trips when the failure rate inside the rolling window exceeds
// the threshold and enough calls were seen. While open, calls are rejected
// without running. After the reset timeout a single probe decides whether
// the breaker closes again.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// ErrOpen is the cause of errors returned for rejected calls.
var ErrOpen = errors.New("circuit breaker is open")

// Call outcomes reported to the observer.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
)

// Config holds the breaker thresholds.
type Config struct {
	// CallTimeout bounds each call. Exceeding it counts as a failure.
	CallTimeout time.Duration
	// ErrorThreshold is the failure percentage (0..100) that trips the breaker.
	ErrorThreshold int
	// VolumeThreshold is the minimum number of calls in the window before
	// the breaker may trip.
	VolumeThreshold int
	// Window is the rolling period closed-state counts cover. It is split
	// into windowBuckets buckets that expire one at a time.
	Window time.Duration
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:     10 * time.Second,
		ErrorThreshold:  50,
		VolumeThreshold: 5,
		Window:          60 * time.Second,
		ResetTimeout:    30 * time.Second,
	}
}

// Observer receives breaker signals.
type Observer interface {
	BreakerStateChanged(name, from, to string)
	BreakerCall(name, outcome string)
}

type noopObserver struct{}

func (noopObserver) BreakerStateChanged(string, string, string) {}
func (noopObserver) BreakerCall(string, string)                 {}

// windowBuckets is the number of buckets the rolling window is split into.
const windowBuckets = 10

// Snapshot is the admin view of one breaker.
type Snapshot struct {
	Name                 string `json:"name"`
	State                string `json:"state"`
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	TotalExclusions      uint32 `json:"total_exclusions"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// Breaker protects one operation.
type Breaker struct {
	name     string
	cfg      Config
	cb       *gobreaker.CircuitBreaker[any]
	observer Observer
	logger   *slog.Logger
}

// New creates a closed breaker.
func New(name string, cfg Config, observer Observer, logger *slog.Logger) *Breaker {
	if observer == nil {
		observer = noopObserver{}
	}
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		observer: observer,
		logger:   observability.OrDefault(logger).With("component", "breaker", "breaker", name),
	}

	volume := uint32(max(cfg.VolumeThreshold, 1))
	threshold := uint64(min(max(cfg.ErrorThreshold, 0), 100))

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:         name,
		MaxRequests:  1,
		Interval:     cfg.Window,
		BucketPeriod: cfg.Window / windowBuckets,
		Timeout:      cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			counted := c.TotalSuccesses + c.TotalFailures
			if counted < volume {
				return false
			}
			return uint64(c.TotalFailures)*100 > threshold*uint64(counted)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			b.observer.BreakerStateChanged(name, from.String(), to.String())
		},
		IsSuccessful: isSuccessful,
		IsExcluded:   isExcluded,
	})
	return b
}

// Name returns the protected operation name.
func (b *Breaker) Name() string { return b.name }

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string { return b.cb.State().String() }

// Snapshot returns the current state and counts.
func (b *Breaker) Snapshot() Snapshot {
	c := b.cb.Counts()
	return Snapshot{
		Name:                 b.name,
		State:                b.State(),
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		TotalExclusions:      c.TotalExclusions,
		ConsecutiveFailures:  c.ConsecutiveFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
	}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteWithFallback runs fn, or fallback when the breaker rejects the call.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn func(ctx context.Context) error, fallback func(ctx context.Context, err error) error) error {
	_, err := CallWithFallback(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, func(ctx context.Context, err error) (struct{}, error) {
		return struct{}{}, fallback(ctx, err)
	})
	return err
}

// Call runs fn through the breaker and returns its result. Rejected calls
// return a ServiceUnavailable error wrapping ErrOpen.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	return CallWithFallback(ctx, b, fn, nil)
}

// CallWithFallback is Call with a fallback for rejected calls.
func CallWithFallback[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error), fallback func(ctx context.Context, err error) (T, error)) (T, error) {
	var zero T

	timedOut := false
	out, err := b.cb.Execute(func() (any, error) {
		v, late, err := b.invoke(ctx, func(c context.Context) (any, error) { return fn(c) })
		timedOut = late
		return v, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		b.observer.BreakerCall(b.name, OutcomeRejected)
		rejected := apperrors.Unavailable(b.name, ErrOpen)
		if fallback != nil {
			return fallback(ctx, rejected)
		}
		return zero, rejected
	case err != nil:
		var gone callerGone
		if errors.As(err, &gone) {
			b.observer.BreakerCall(b.name, OutcomeCancelled)
			return zero, gone.err
		}
		if timedOut {
			b.observer.BreakerCall(b.name, OutcomeTimeout)
		} else {
			b.observer.BreakerCall(b.name, OutcomeFailure)
		}
		return zero, err
	}

	b.observer.BreakerCall(b.name, OutcomeSuccess)
	if out == nil {
		return zero, nil
	}
	return out.(T), nil
}

type result struct {
	v   any
	err error
}

// invoke runs fn bounded by the call timeout. It reports whether the call
// timed out. A call the caller abandoned is returned as callerGone.
func (b *Breaker) invoke(ctx context.Context, fn func(context.Context) (any, error)) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, callerGone{err: err}
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
	}
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%s: panic: %v", b.name, r)}
			}
		}()
		v, err := fn(callCtx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return nil, false, callerGone{err: ctx.Err()}
		}
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, true, b.timeoutError()
		}
		return r.v, false, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, false, callerGone{err: ctx.Err()}
		}
		return nil, true, b.timeoutError()
	}
}

func (b *Breaker) timeoutError() error {
	return apperrors.Unavailable(b.name, fmt.Errorf("call exceeded %s: %w", b.cfg.CallTimeout, context.DeadlineExceeded))
}

// callerGone marks a call the caller cancelled. It never counts against
// the breaker.
type callerGone struct{ err error }

func (c callerGone) Error() string { return c.err.Error() }
func (c callerGone) Unwrap() error { return c.err }

// isExcluded keeps abandoned calls out of the counts. An excluded call in
// half-open state frees the trial slot without closing the breaker.
func isExcluded(err error) bool {
	var gone callerGone
	return errors.As(err, &gone)
}

// isSuccessful decides what counts as a failure. Only retryable errors do:
// a rejected request proves the collaborator is up.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	return !apperrors.IsRetryable(err)
}
