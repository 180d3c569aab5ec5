package observability

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus  `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// HealthChecker performs one health check.
type HealthChecker func(ctx context.Context) HealthCheckResult

// OverallHealth summarizes every registered check.
type OverallHealth struct {
	Status    HealthStatus                 `json:"status"`
	Timestamp time.Time                    `json:"timestamp"`
	Checks    map[string]HealthCheckResult `json:"checks"`
}

// HealthRegistry runs named health checks concurrently.
type HealthRegistry struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthRegistry creates a new health registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{checkers: make(map[string]HealthChecker)}
}

// Register adds a health checker for a component.
func (r *HealthRegistry) Register(name string, checker HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
}

// Names returns the registered component names in order.
func (r *HealthRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs all checks and aggregates them. Any unhealthy check makes the
// whole unhealthy; otherwise any degraded check makes it degraded.
func (r *HealthRegistry) Check(ctx context.Context) OverallHealth {
	r.mu.RLock()
	checkers := make(map[string]HealthChecker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]HealthCheckResult, len(checkers))
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			start := time.Now()
			result := checker(ctx)
			result.Duration = time.Since(start)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	status := HealthStatusHealthy
	for _, result := range results {
		switch result.Status {
		case HealthStatusUnhealthy:
			status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if status == HealthStatusHealthy {
				status = HealthStatusDegraded
			}
		}
	}

	return OverallHealth{Status: status, Timestamp: time.Now().UTC(), Checks: results}
}

// PingChecker adapts a ping function. Failures of a critical dependency
// report unhealthy; failures of an optional one report degraded.
func PingChecker(component string, critical bool, ping func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheckResult {
		if err := ping(ctx); err != nil {
			status := HealthStatusDegraded
			if critical {
				status = HealthStatusUnhealthy
			}
			return HealthCheckResult{Status: status, Message: component + " check failed: " + err.Error()}
		}
		return HealthCheckResult{Status: HealthStatusHealthy, Message: component + " healthy"}
	}
}
