package queue

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
)

// EnqueueOption overrides a lane default for one job.
type EnqueueOption func(*enqueueOptions) error

type enqueueOptions struct {
	priority    *int
	maxAttempts int
	backoff     *BackoffPolicy
	delay       time.Duration
}

// WithPriority sets the job priority. Lower values are claimed sooner.
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) error {
		if p < MinPriority || p > MaxPriority {
			return apperrors.Validation("priority", fmt.Sprintf("priority must be within %d..%d", MinPriority, MaxPriority))
		}
		o.priority = &p
		return nil
	}
}

// WithMaxAttempts sets the attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) error {
		if n < 1 {
			return apperrors.Validation("max_attempts", "max attempts must be at least 1")
		}
		o.maxAttempts = n
		return nil
	}
}

// WithBackoff sets the retry backoff policy.
func WithBackoff(b BackoffPolicy) EnqueueOption {
	return func(o *enqueueOptions) error {
		if b.Delay < 0 || b.Max < 0 {
			return apperrors.Validation("backoff", "backoff delays must not be negative")
		}
		if b.Kind != BackoffExponential && b.Kind != BackoffFixed {
			return apperrors.Validation("backoff", fmt.Sprintf("unknown backoff kind %q", b.Kind))
		}
		o.backoff = &b
		return nil
	}
}

// WithDelay makes the job visible only after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) error {
		if d < 0 {
			return apperrors.Validation("delay", "delay must not be negative")
		}
		o.delay = d
		return nil
	}
}
