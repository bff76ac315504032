package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"huddle.is/huddle/internal/clock"
)

func finish(check Check, start time.Time) Check {
	check.LastChecked = start
	check.Duration = float64(time.Since(start).Microseconds()) / 1000.0
	return check
}

// RegistryCheck probes the session registry's internal consistency.
// The coherent func is the gateway's own scan; any error means the two
// registry maps disagree, which is a bug worth pulling the instance
// over.
func RegistryCheck(coherent func() error) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{Status: StatusHealthy, Message: "registry coherent"}
		if err := coherent(); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		}
		return finish(check, start)
	}
}

// DatabaseCheck probes the audit store with a cheap query.
func DatabaseCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{Status: StatusHealthy, Message: "audit store reachable"}
		if err := ping(ctx); err != nil {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("audit store: %v", err)
		}
		return finish(check, start)
	}
}

// SchedulerCheck reports whether the periodic task runner is alive.
// The ticks drive statistics rolls and the maintenance countdown, so a
// stopped scheduler degrades the instance.
func SchedulerCheck(running func() bool) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{Status: StatusHealthy, Message: "scheduler running"}
		if !running() {
			check.Status = StatusDegraded
			check.Message = "scheduler not running"
		}
		return finish(check, start)
	}
}

// EventsCheck watches the analytics hub for sustained subscriber
// overflow.
func EventsCheck(stats func() (published, dropped uint64)) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		published, dropped := stats()
		check := Check{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d published, %d dropped", published, dropped),
		}
		if published > 100 && dropped*10 > published {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("dropping events: %d of %d", dropped, published)
		}
		return finish(check, start)
	}
}

// DiskCheck verifies the state directory accepts writes. The audit
// trail lands there; a read-only disk degrades the instance rather
// than failing it.
func DiskCheck(dir string) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{Status: StatusHealthy, Message: "state dir writable"}

		probe := filepath.Join(dir, ".health_probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("state dir write failed: %v", err)
		} else {
			os.Remove(probe)
		}
		return finish(check, start)
	}
}
