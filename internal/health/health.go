package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Check represents a health check function
type Check func(ctx context.Context) ComponentHealth

// Checker manages health checks for the pipeline's components
type Checker struct {
	mu         sync.RWMutex
	components map[string]Check
	lastStatus map[string]ComponentHealth
	timeout    time.Duration
}

// NewChecker creates a new health checker
func NewChecker(timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		components: make(map[string]Check),
		lastStatus: make(map[string]ComponentHealth),
		timeout:    timeout,
	}
}

// Register registers a health check for a component
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = check
}

// RunAll runs all health checks concurrently and returns the results
func (c *Checker) RunAll(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	components := make(map[string]Check, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(components))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for name, check := range components {
		wg.Add(1)
		go func(n string, chk Check) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			result := chk(checkCtx)
			result.LastChecked = time.Now()

			resultsMu.Lock()
			results[n] = result
			resultsMu.Unlock()
		}(name, check)
	}
	wg.Wait()

	c.mu.Lock()
	for k, v := range results {
		c.lastStatus[k] = v
	}
	c.mu.Unlock()

	return results
}

// LastStatus returns the last known status of all components
func (c *Checker) LastStatus() map[string]ComponentHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := make(map[string]ComponentHealth, len(c.lastStatus))
	for k, v := range c.lastStatus {
		status[k] = v
	}
	return status
}

// OverallStatus aggregates all component checks: any unhealthy component
// makes the whole pipeline unhealthy, any degraded one makes it degraded.
func (c *Checker) OverallStatus(ctx context.Context) Status {
	results := c.RunAll(ctx)

	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

type healthResponse struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HTTPHandler serves the full component breakdown
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.RunAll(r.Context())

		overall := StatusHealthy
		for _, result := range results {
			if result.Status == StatusUnhealthy {
				overall = StatusUnhealthy
				break
			}
			if result.Status == StatusDegraded {
				overall = StatusDegraded
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if overall == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:     overall,
			Components: results,
			Timestamp:  time.Now(),
		})
	}
}

// LivenessHandler always reports alive while the process runs
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadinessHandler reports ready when no component is unhealthy
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.OverallStatus(r.Context()) == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// CheckFunc adapts a plain predicate into a Check
func CheckFunc(check func() (bool, string)) Check {
	return func(ctx context.Context) ComponentHealth {
		healthy, message := check()
		status := StatusHealthy
		if !healthy {
			status = StatusUnhealthy
		}
		return ComponentHealth{Status: status, Message: message}
	}
}
