// Package queue implements durable, priority-ordered job lanes with retry,
// backoff, stall recovery and dead-lettering.
package queue

import (
	"encoding/json"
	"math"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// States lists every state in display order.
var States = []State{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

// Priority bounds. Lower values are claimed sooner.
const (
	MinPriority = 0
	MaxPriority = 1_000_000
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// BackoffPolicy computes the delay before a retry.
type BackoffPolicy struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
	Max   time.Duration `json:"max,omitempty"`
}

// DelayFor returns the delay after the given failed attempt (1-based):
// Delay × 2^(attempt-1) for exponential, Delay for fixed, capped at Max when set.
func (b BackoffPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Delay
	if b.Kind != BackoffFixed {
		for i := 1; i < attempt; i++ {
			if b.Max > 0 && d >= b.Max {
				break
			}
			if d > math.MaxInt64/2 {
				break
			}
			d *= 2
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Job is a unit of deferred work stored in a lane.
type Job struct {
	ID          string          `json:"id"`
	Lane        Lane            `json:"lane"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     BackoffPolicy   `json:"backoff"`
	State       State           `json:"state"`
	VisibleAt   time.Time       `json:"visible_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Counts reports the number of jobs per state in a lane.
type Counts map[State]int

// Total sums every state.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}
