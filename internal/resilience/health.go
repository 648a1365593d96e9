package resilience

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	StartTime  time.Time         `json:"start_time"`
	Uptime     string            `json:"uptime"`
	Goroutines int               `json:"goroutines"`
	Components []ComponentHealth `json:"components"`
}

// HealthChecker runs registered component checks on demand.
type HealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	timeout   time.Duration
	startTime time.Time
}

// NewHealthChecker creates a checker. Each Check call is bounded by timeout.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		checks:    make(map[string]HealthCheck),
		timeout:   timeout,
		startTime: time.Now(),
	}
}

// Register adds a component health check.
func (h *HealthChecker) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every component check concurrently. The overall status is the
// worst component status.
func (h *HealthChecker) Check(ctx context.Context) SystemHealth {
	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- ComponentHealth{Name: n, Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r), LastCheck: time.Now()}
				}
			}()
			start := time.Now()
			health := c(ctx)
			health.Name = n
			health.LastCheck = time.Now()
			if health.Latency == 0 {
				health.Latency = time.Since(start)
			}
			results <- health
		}(name, check)
	}
	wg.Wait()
	close(results)

	out := SystemHealth{
		Status:     HealthStatusHealthy,
		StartTime:  h.startTime,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}
	for health := range results {
		out.Components = append(out.Components, health)
		switch health.Status {
		case HealthStatusUnhealthy:
			out.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if out.Status == HealthStatusHealthy {
				out.Status = HealthStatusDegraded
			}
		}
	}
	sort.Slice(out.Components, func(i, j int) bool { return out.Components[i].Name < out.Components[j].Name })
	return out
}

// DatabaseHealthCheck creates a health check for database connections.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		health := ComponentHealth{Latency: time.Since(start)}

		switch {
		case err != nil:
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Database ping failed: %v", err)
		case health.Latency > 100*time.Millisecond:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency)
		default:
			health.Status = HealthStatusHealthy
			health.Message = "Database healthy"
		}
		return health
	}
}

// SessionHealthCheck reports the broker session. Without a session every
// signal is refused, so the component is unhealthy.
func SessionHealthCheck(authenticated func() bool) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if authenticated() {
			return ComponentHealth{Status: HealthStatusHealthy, Message: "Session valid"}
		}
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "No valid broker session"}
	}
}

// CircuitHealthCheck reports a circuit breaker: open is unhealthy and
// half-open is degraded.
func CircuitHealthCheck(cb *CircuitBreaker) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		stats := cb.Stats()
		health := ComponentHealth{
			Details: map[string]interface{}{"state": stats.State, "failures": stats.CurrentFailures},
		}
		switch stats.State {
		case CircuitOpen:
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Circuit %s open", stats.Name)
		case CircuitHalfOpen:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Circuit %s probing", stats.Name)
		default:
			health.Status = HealthStatusHealthy
			health.Message = fmt.Sprintf("Circuit %s closed", stats.Name)
		}
		return health
	}
}
