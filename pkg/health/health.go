// Package health runs named dependency checks for the probe endpoints.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the aggregated health of a component or the service
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one check
type CheckResult struct {
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// HealthResponse is the probe response body
type HealthResponse struct {
	Status        Status                 `json:"status"`
	Timestamp     time.Time              `json:"timestamp"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds,omitempty"`
	Checks        map[string]CheckResult `json:"checks"`
}

type check struct {
	name     string
	fn       CheckFunc
	critical bool
}

// HealthChecker runs registered checks concurrently with a per-check timeout
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
}

// NewHealthChecker creates a checker. A zero timeout means 5s.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{timeout: timeout}
}

// Register adds a check. A failing critical check makes the service
// unhealthy; a failing non-critical one only degrades it.
func (h *HealthChecker) Register(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check{name: name, fn: fn, critical: critical})
}

// Names returns the registered check names in order
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

// Check runs every check and aggregates the status
func (h *HealthChecker) Check(ctx context.Context) (Status, map[string]CheckResult) {
	h.mu.RLock()
	checks := append([]check(nil), h.checks...)
	h.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	status := StatusHealthy
	for _, c := range checks {
		wg.Add(1)
		go func(c check) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := c.fn(cctx)
			result := CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
			if err != nil {
				result.Status = StatusDegraded
				if c.critical {
					result.Status = StatusUnhealthy
				}
				result.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			results[c.name] = result
			if result.Status == StatusUnhealthy {
				status = StatusUnhealthy
			} else if result.Status == StatusDegraded && status == StatusHealthy {
				status = StatusDegraded
			}
		}(c)
	}
	wg.Wait()

	return status, results
}
