// Package health aggregates the gateway's liveness checks behind the
// /healthz endpoint: registry coherence, the audit database, the
// scheduler and the event hub, plus a disk probe for the state dir.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"huddle.is/huddle/internal/clock"
)

// Status classifies a check outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one named probe result.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	Duration    float64   `json:"duration_ms"`
}

// Report is the aggregate of all registered checks.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc performs one probe.
type CheckFunc func(ctx context.Context) Check

// Checker runs registered probes in parallel and caches the report
// briefly so probe storms cannot amplify load.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  *Report
	ttl    time.Duration
}

// NewChecker creates an empty checker. The serve command registers the
// gateway's probes.
func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		ttl:    5 * time.Second,
	}
}

// Register adds a probe under a name. Re-registering replaces it.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Check runs every probe and aggregates the report. A cached report
// younger than the TTL is returned as is.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	if c.cache != nil && time.Since(c.cache.Timestamp) < c.ttl {
		report := *c.cache
		c.mu.RUnlock()
		return report
	}
	funcs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		funcs[name] = fn
	}
	c.mu.RUnlock()

	checks := make(map[string]Check, len(funcs))
	overall := StatusHealthy

	var wg sync.WaitGroup
	var resMu sync.Mutex
	for name, fn := range funcs {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			check := fn(ctx)
			check.Name = name

			resMu.Lock()
			checks[name] = check
			if check.Status == StatusUnhealthy {
				overall = StatusUnhealthy
			} else if check.Status == StatusDegraded && overall != StatusUnhealthy {
				overall = StatusDegraded
			}
			resMu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	report := Report{
		Status:    overall,
		Checks:    checks,
		Timestamp: clock.Now(),
	}

	c.mu.Lock()
	c.cache = &report
	c.mu.Unlock()
	return report
}

// Handler serves the full report. Degraded still answers 200; only
// unhealthy flips to 503 so load balancers pull the instance.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		report := c.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler answers as long as the process serves requests.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// ReadinessHandler gates traffic on the aggregate status.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if report := c.Check(ctx); report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	}
}
