package queue

import (
	"fmt"
	"time"
)

// Lane names an independently operated queue.
type Lane string

const (
	LaneBooking      Lane = "booking"
	LaneNotification Lane = "notification"
	LaneAnalytics    Lane = "analytics"
	LaneIntegration  Lane = "integration"
)

// LaneConfig holds the per-lane processing settings.
type LaneConfig struct {
	Name            Lane
	Concurrency     int
	DefaultPriority int
	MaxAttempts     int
	Backoff         BackoffPolicy
	JobTimeout      time.Duration
}

// DefaultLanes returns the four lanes with their production defaults.
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{
			Name:            LaneBooking,
			Concurrency:     5,
			DefaultPriority: 10,
			MaxAttempts:     5,
			Backoff:         BackoffPolicy{Kind: BackoffExponential, Delay: 2 * time.Second, Max: 5 * time.Minute},
			JobTimeout:      30 * time.Second,
		},
		{
			Name:            LaneNotification,
			Concurrency:     10,
			DefaultPriority: 50,
			MaxAttempts:     5,
			Backoff:         BackoffPolicy{Kind: BackoffExponential, Delay: time.Second, Max: 2 * time.Minute},
			JobTimeout:      30 * time.Second,
		},
		{
			Name:            LaneAnalytics,
			Concurrency:     2,
			DefaultPriority: 100,
			MaxAttempts:     3,
			Backoff:         BackoffPolicy{Kind: BackoffExponential, Delay: 5 * time.Second, Max: 5 * time.Minute},
			JobTimeout:      15 * time.Second,
		},
		{
			Name:            LaneIntegration,
			Concurrency:     3,
			DefaultPriority: 20,
			MaxAttempts:     5,
			Backoff:         BackoffPolicy{Kind: BackoffExponential, Delay: 5 * time.Second, Max: 10 * time.Minute},
			JobTimeout:      45 * time.Second,
		},
	}
}

// WithConcurrency overrides lane concurrency from a name→count map.
func WithConcurrency(lanes []LaneConfig, overrides map[string]int) []LaneConfig {
	out := make([]LaneConfig, len(lanes))
	copy(out, lanes)
	for i := range out {
		if n, ok := overrides[string(out[i].Name)]; ok && n > 0 {
			out[i].Concurrency = n
		}
	}
	return out
}

func (c LaneConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("lane name is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("lane %s: concurrency must be at least 1", c.Name)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("lane %s: max attempts must be at least 1", c.Name)
	}
	if c.DefaultPriority < MinPriority || c.DefaultPriority > MaxPriority {
		return fmt.Errorf("lane %s: default priority out of range", c.Name)
	}
	return nil
}
