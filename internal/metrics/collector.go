package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"huddle.is/huddle/internal/clock"
	"huddle.is/huddle/internal/logging"
)

// EventCounts reports publish/drop totals from the event bus.
type EventCounts interface {
	Stats() (published, dropped uint64)
}

// Collector samples host and process gauges and caches a snapshot for the
// statistics endpoint. Refresh is driven by a scheduler task.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	events   EventCounts
	started  time.Time
	proc     *process.Process

	mu         sync.RWMutex
	lastUpdate time.Time
	stats      SystemStats
}

// SystemStats holds system-level gauges for the admin statistics view.
type SystemStats struct {
	Uptime       int64   `json:"uptime_seconds"`
	LoadAvg1     float64 `json:"load_avg_1"`
	LoadAvg5     float64 `json:"load_avg_5"`
	LoadAvg15    float64 `json:"load_avg_15"`
	MemTotal     uint64  `json:"mem_total_bytes"`
	MemUsed      uint64  `json:"mem_used_bytes"`
	MemAvailable uint64  `json:"mem_available_bytes"`
	ProcessRSS   uint64  `json:"process_rss_bytes"`
	ProcessCPU   float64 `json:"process_cpu_percent"`
	Goroutines   int     `json:"goroutines"`
}

// NewCollector creates a system gauge collector. events may be nil.
func NewCollector(logger *logging.Logger, events EventCounts) *Collector {
	c := &Collector{
		registry: Get(),
		logger:   logger,
		events:   events,
		started:  clock.Now(),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Process handle unavailable", "error", err)
	} else {
		c.proc = proc
	}

	return c
}

// Refresh samples the gauges and updates both the registry and the cached
// snapshot.
func (c *Collector) Refresh(ctx context.Context) error {
	stats := SystemStats{
		Uptime:     int64(clock.Since(c.started).Seconds()),
		Goroutines: runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.Warn("Failed to sample memory", "error", err)
	} else {
		stats.MemTotal = vm.Total
		stats.MemUsed = vm.Used
		stats.MemAvailable = vm.Available
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		c.logger.Warn("Failed to sample load average", "error", err)
	} else {
		stats.LoadAvg1 = avg.Load1
		stats.LoadAvg5 = avg.Load5
		stats.LoadAvg15 = avg.Load15
	}

	if c.proc != nil {
		if mi, err := c.proc.MemoryInfoWithContext(ctx); err == nil {
			stats.ProcessRSS = mi.RSS
		}
		if pct, err := c.proc.CPUPercentWithContext(ctx); err == nil {
			stats.ProcessCPU = pct
		}
	}

	c.registry.Uptime.Set(float64(stats.Uptime))
	c.registry.SystemLoad1.Set(stats.LoadAvg1)
	c.registry.SystemMemUsed.Set(float64(stats.MemUsed))
	c.registry.ProcessResident.Set(float64(stats.ProcessRSS))
	c.registry.ProcessCPU.Set(stats.ProcessCPU)
	c.registry.Goroutines.Set(float64(stats.Goroutines))

	if c.events != nil {
		published, dropped := c.events.Stats()
		c.registry.EventsPublished.Set(float64(published))
		c.registry.EventsDropped.Set(float64(dropped))
	}

	c.mu.Lock()
	c.stats = stats
	c.lastUpdate = clock.Now()
	c.mu.Unlock()

	return nil
}

// SystemStats returns a copy of the current system gauges.
func (c *Collector) SystemStats() SystemStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// LastUpdate returns the timestamp of the last refresh.
func (c *Collector) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
