package scheduler

import (
	"context"
	"fmt"
	"time"
)

// TaskRegistry holds the hooks the periodic tasks drive. The serve command
// fills it in once the gateway, collector, limiter and audit store exist.
type TaskRegistry struct {
	RollStats       func()
	MaintenanceTick func()
	ReapIdle        func()
	RefreshGauges   func(ctx context.Context) error
	PruneLimiter    func(maxAge time.Duration) int
	PruneAudit      func(ctx context.Context) (int64, error)
}

// NewStatsRollTask rolls every session's five-minute request window.
func NewStatsRollTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "stats-roll",
		Name:        "Statistics Roll",
		Description: "Fold the current request counters into the rolling window",
		Schedule:    Every(interval),
		Enabled:     true,
		Timeout:     10 * time.Second,
		Func: func(ctx context.Context) error {
			if registry.RollStats == nil {
				return fmt.Errorf("stats roll hook not configured")
			}
			registry.RollStats()
			return nil
		},
	}
}

// NewMaintenanceTickTask advances the maintenance countdown and pushes the
// remaining-minutes status to every session.
func NewMaintenanceTickTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "maintenance-tick",
		Name:        "Maintenance Countdown",
		Description: "Advance the scheduled maintenance countdown",
		Schedule:    Every(interval),
		Enabled:     true,
		Timeout:     30 * time.Second,
		Func: func(ctx context.Context) error {
			if registry.MaintenanceTick == nil {
				return fmt.Errorf("maintenance hook not configured")
			}
			registry.MaintenanceTick()
			return nil
		},
	}
}

// NewReaperTask counts down empty workspaces and closes the expired ones.
func NewReaperTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "workspace-reaper",
		Name:        "Workspace Reaper",
		Description: "Tear down workspaces that stayed empty past the grace period",
		Schedule:    Every(interval),
		Enabled:     true,
		Timeout:     30 * time.Second,
		Func: func(ctx context.Context) error {
			if registry.ReapIdle == nil {
				return fmt.Errorf("reaper hook not configured")
			}
			registry.ReapIdle()
			return nil
		},
	}
}

// NewGaugeRefreshTask samples host and process gauges.
func NewGaugeRefreshTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "gauge-refresh",
		Name:        "Gauge Refresh",
		Description: "Sample system gauges for metrics and the admin view",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     10 * time.Second,
		Func: func(ctx context.Context) error {
			if registry.RefreshGauges == nil {
				return fmt.Errorf("gauge hook not configured")
			}
			return registry.RefreshGauges(ctx)
		},
	}
}

// NewLimiterPruneTask drops rate-limiter buckets idle past maxAge.
func NewLimiterPruneTask(registry *TaskRegistry, interval, maxAge time.Duration) *Task {
	return &Task{
		ID:          "limiter-prune",
		Name:        "Limiter Prune",
		Description: "Drop idle rate-limiter buckets",
		Schedule:    Every(interval),
		Enabled:     true,
		Timeout:     10 * time.Second,
		Func: func(ctx context.Context) error {
			if registry.PruneLimiter == nil {
				return fmt.Errorf("limiter hook not configured")
			}
			registry.PruneLimiter(maxAge)
			return nil
		},
	}
}

// NewAuditPruneTask deletes audit records past the retention window.
// Runs nightly outside peak hours.
func NewAuditPruneTask(registry *TaskRegistry) *Task {
	return &Task{
		ID:          "audit-prune",
		Name:        "Audit Prune",
		Description: "Delete audit records past retention",
		Schedule:    Daily(3, 30),
		Enabled:     true,
		Timeout:     5 * time.Minute,
		Func: func(ctx context.Context) error {
			if registry.PruneAudit == nil {
				return fmt.Errorf("audit hook not configured")
			}
			_, err := registry.PruneAudit(ctx)
			return err
		},
	}
}
