// Package ratelimit guards the handshake and control endpoints with
// per-client token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"huddle.is/huddle/internal/clock"
)

// Limiter manages one token bucket per key (typically a client IP).
// Buckets refill continuously at the configured per-minute rate and
// allow short bursts up to the bucket capacity.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*entry

	perMinute int
	burst     int
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing perMinute sustained requests per key
// with bursts up to burst.
func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &Limiter{
		buckets:   make(map[string]*entry),
		perMinute: perMinute,
		burst:     burst,
	}
}

// Allow reports whether a request for the given key may proceed now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{
			lim: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst),
		}
		l.buckets[key] = e
	}
	e.lastSeen = clock.Now()
	l.mu.Unlock()

	return e.lim.Allow()
}

// Reset clears the bucket for a specific key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Size returns the number of tracked keys.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Prune removes buckets idle for longer than maxAge and returns how many
// were dropped. Invoked periodically by the scheduler.
func (l *Limiter) Prune(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := clock.Now()
	removed := 0
	for key, e := range l.buckets {
		if now.Sub(e.lastSeen) > maxAge {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
