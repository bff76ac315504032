package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"huddle.is/huddle/internal/analytics"
	"huddle.is/huddle/internal/api"
	"huddle.is/huddle/internal/audit"
	"huddle.is/huddle/internal/brand"
	"huddle.is/huddle/internal/config"
	"huddle.is/huddle/internal/gateway"
	"huddle.is/huddle/internal/health"
	"huddle.is/huddle/internal/i18n"
	"huddle.is/huddle/internal/logging"
	"huddle.is/huddle/internal/metrics"
	"huddle.is/huddle/internal/pipeline"
	"huddle.is/huddle/internal/ratelimit"
	"huddle.is/huddle/internal/scheduler"
	"huddle.is/huddle/internal/token"
)

// Printer is the global message printer for the CLI.
var Printer = i18n.NewCLIPrinter()

const shutdownTimeout = 10 * time.Second

// RunServe boots the gateway daemon and blocks until a unix signal or a
// management reboot stops it. A clean stop returns nil so the process
// exits 0.
func RunServe(configFile string) error {
	ctx := context.Background()

	cfg, err := loadConfig(ctx, configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := buildLogger(cfg)
	logging.SetDefault(logger)
	logger.Info("Starting "+brand.Name,
		"version", brand.Version, "model", cfg.Model, "listen", cfg.Listen)

	if err := os.MkdirAll(brand.GetStateDir(), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	// Rapid restarts flip the stability probe to degraded so operators
	// notice a crash loop that systemd keeps papering over.
	tracker := health.NewCrashTracker(brand.GetStateDir())
	if looping, err := tracker.RecordStart(); err != nil {
		logger.Warn("Crash tracking unavailable", "error", err)
	} else if looping {
		logger.Warn("Rapid restarts detected, stability probe degraded until stable")
	}
	tracker.StartStabilityTimer()

	hub := analytics.NewHub()
	bridge := analytics.NewLogBridge(hub, logger)
	bridge.Start()
	defer bridge.Stop()

	collector := metrics.NewCollector(logger, hub)

	manager := gateway.NewManager(pipeline.NewMemoryFactory(), gateway.ManagerOptions{
		Gateway:     cfg.Gateway,
		AccountsURL: cfg.AccountsURL,
		Logger:      logger,
		Hub:         hub,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	}

	var auditor *audit.Store
	if cfg.Audit != nil && cfg.Audit.Enabled {
		auditor, err = audit.NewStore(cfg.AuditDatabasePath(), cfg.Audit.RetentionDays)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer auditor.Close()
	}

	sched, err := buildScheduler(logger, cfg, manager, collector, limiter, auditor)
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.Register("registry", health.RegistryCheck(manager.CheckCoherence))
	checker.Register("scheduler", health.SchedulerCheck(sched.IsRunning))
	checker.Register("events", health.EventsCheck(hub.Stats))
	checker.Register("disk", health.DiskCheck(brand.GetStateDir()))
	checker.Register("stability", tracker.Probe())
	if auditor != nil {
		checker.Register("audit", health.DatabaseCheck(auditor.Ping))
	}

	// A management reboot and a unix signal share the graceful path below.
	stop := make(chan string, 1)
	srv, err := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Manager:   manager,
		Verifier:  token.NewVerifier(cfg.AuthSecret, cfg.ProductID),
		Logger:    logger,
		Limiter:   limiter,
		Audit:     auditor,
		Collector: collector,
		Scheduler: sched,
		Health:    checker,
		Reboot: func() {
			select {
			case stop <- "reboot":
			default:
			}
		},
	})
	if err != nil {
		return err
	}

	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("Signal received", "signal", s.String())
	case reason := <-stop:
		// The supervisor starts a fresh instance; mark the remaining
		// lines as the outgoing one's.
		logging.SetPrefix(brand.ConfigEnvPrefix + "-OLD")
		logger.Info("Shutdown requested", "reason", reason)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("front-end failed: %w", err)
		}
		return nil
	}

	// Stop accepting, drain the control plane, then kick the WebSocket
	// sessions so clients see a clean close frame.
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("Front-end shutdown incomplete", "error", err)
	}
	manager.Shutdown(shutCtx)
	logger.Info("Shutdown complete")
	return nil
}

// loadConfig reads the config file, or falls back to an environment-only
// configuration when the default file is absent. A missing file that was
// named explicitly is an error.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	def := brand.GetConfigPath()
	if path == "" {
		path = def
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path != def {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		return config.LoadEnv(ctx)
	}
	return config.LoadFile(ctx, path)
}

func buildLogger(cfg *config.Config) *logging.Logger {
	lc := logging.DefaultConfig()
	if cfg.Log != nil {
		lc.Level = parseLogLevel(cfg.Log.Level)
		lc.JSON = cfg.Log.JSON
	}
	return logging.New(lc)
}

func parseLogLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// buildScheduler registers the periodic gateway tasks. The limiter and
// audit prunes are only registered when those collaborators exist.
func buildScheduler(logger *logging.Logger, cfg *config.Config, manager *gateway.Manager,
	collector *metrics.Collector, limiter *ratelimit.Limiter, auditor *audit.Store) (*scheduler.Scheduler, error) {

	registry := &scheduler.TaskRegistry{
		RollStats:       manager.RollStats,
		MaintenanceTick: manager.MaintenanceTick,
		ReapIdle:        manager.ReapIdle,
		RefreshGauges:   collector.Refresh,
	}

	tick := time.Duration(cfg.Gateway.TickSeconds) * time.Second
	tasks := []*scheduler.Task{
		scheduler.NewStatsRollTask(registry, tick),
		scheduler.NewMaintenanceTickTask(registry, tick),
		scheduler.NewReaperTask(registry, tick),
		scheduler.NewGaugeRefreshTask(registry, 15*time.Second),
	}
	if limiter != nil {
		registry.PruneLimiter = limiter.Prune
		tasks = append(tasks, scheduler.NewLimiterPruneTask(registry, 5*time.Minute, 15*time.Minute))
	}
	if auditor != nil {
		registry.PruneAudit = auditor.Prune
		tasks = append(tasks, scheduler.NewAuditPruneTask(registry))
	}

	sched := scheduler.New(logger)
	for _, task := range tasks {
		if err := sched.AddTask(task); err != nil {
			return nil, fmt.Errorf("register task %s: %w", task.ID, err)
		}
	}
	return sched, nil
}
