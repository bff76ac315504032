package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"huddle.is/huddle/internal/clock"
)

// A supervisor restarts the gateway after a panic or the reboot
// operation. A tight restart loop usually means a bad config or a
// corrupt state dir; the tracker surfaces that instead of letting the
// daemon flap silently.
const (
	// crashThreshold is how many rapid consecutive starts count as a
	// loop.
	crashThreshold = 3

	// crashWindow is how soon after the previous start a new start is
	// considered part of a loop.
	crashWindow = 5 * time.Minute

	// stabilityAfter is the uptime after which the counter resets.
	stabilityAfter = 5 * time.Minute

	crashStateFile = "crash.state"
)

type crashState struct {
	ConsecutiveStarts int       `json:"consecutive_starts"`
	LastStart         time.Time `json:"last_start"`
}

// CrashTracker persists start timestamps in the state dir and flags
// restart loops across process lifetimes.
type CrashTracker struct {
	mu       sync.Mutex
	stateDir string
	state    crashState
	looping  bool
}

// NewCrashTracker creates a tracker rooted at stateDir.
func NewCrashTracker(stateDir string) *CrashTracker {
	return &CrashTracker{stateDir: stateDir}
}

func (ct *CrashTracker) statePath() string {
	return filepath.Join(ct.stateDir, crashStateFile)
}

// RecordStart notes this boot and reports whether the gateway is
// restart-looping. Called once, early in serve.
func (ct *CrashTracker) RecordStart() (bool, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if err := os.MkdirAll(ct.stateDir, 0o755); err != nil {
		return false, fmt.Errorf("creating state dir: %w", err)
	}

	data, err := os.ReadFile(ct.statePath())
	if err == nil {
		if err := json.Unmarshal(data, &ct.state); err != nil {
			// Corrupt state file; start the count over.
			ct.state = crashState{}
		}
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("reading crash state: %w", err)
	}

	now := clock.Now()
	if !ct.state.LastStart.IsZero() && now.Sub(ct.state.LastStart) < crashWindow {
		ct.state.ConsecutiveStarts++
	} else {
		ct.state.ConsecutiveStarts = 1
	}
	ct.state.LastStart = now

	if err := ct.save(); err != nil {
		return false, err
	}

	ct.looping = ct.state.ConsecutiveStarts >= crashThreshold
	return ct.looping, nil
}

// StartStabilityTimer resets the counter in the background once the
// process has stayed up long enough.
func (ct *CrashTracker) StartStabilityTimer() {
	go func() {
		time.Sleep(stabilityAfter)
		ct.Reset()
	}()
}

// Reset clears the consecutive-start count.
func (ct *CrashTracker) Reset() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.state.ConsecutiveStarts = 0
	ct.looping = false
	return ct.save()
}

// Looping reports whether the last RecordStart saw a restart loop.
func (ct *CrashTracker) Looping() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.looping
}

// Probe surfaces restart-loop state as a health check.
func (ct *CrashTracker) Probe() CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		ct.mu.Lock()
		looping := ct.looping
		starts := ct.state.ConsecutiveStarts
		ct.mu.Unlock()

		check := Check{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d recent starts", starts),
		}
		if looping {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("restart loop: %d starts within %s", starts, crashWindow)
		}
		return finish(check, start)
	}
}

func (ct *CrashTracker) save() error {
	data, err := json.Marshal(ct.state)
	if err != nil {
		return err
	}
	return os.WriteFile(ct.statePath(), data, 0o644)
}
