package analytics

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"huddle.is/huddle/internal/logging"
)

// syncBuffer guards concurrent writes from the bridge goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogBridge_ForwardsEvents(t *testing.T) {
	hub := NewHub()
	out := &syncBuffer{}
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Output: out, JSON: true})

	bridge := NewLogBridge(hub, logger)
	bridge.Start()

	hub.EmitAdminAction("maintenance", "root@example.com", "", true)
	hub.EmitPanic("api", "boom")
	hub.EmitSessionOpened("sess-1", "acme", "ada@example.com")

	deadline := time.Now().Add(2 * time.Second)
	for {
		s := out.String()
		if strings.Contains(s, "admin action") &&
			strings.Contains(s, "panic recovered") &&
			strings.Contains(s, "session.opened") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bridge never forwarded events, log:\n%s", s)
		}
		time.Sleep(10 * time.Millisecond)
	}

	s := out.String()
	if !strings.Contains(s, `"level":"ERROR"`) {
		t.Errorf("panic not logged at error level:\n%s", s)
	}
	if !strings.Contains(s, "root@example.com") {
		t.Errorf("admin actor missing from log:\n%s", s)
	}

	bridge.Stop()

	// Detached: publishes after Stop reach no one.
	hub.EmitSessionOpened("sess-2", "acme", "bob@example.com")
	if strings.Contains(out.String(), "sess-2") {
		t.Error("bridge still logging after Stop")
	}
}

func TestLogBridge_NilLoggerDefaults(t *testing.T) {
	bridge := NewLogBridge(NewHub(), nil)
	if bridge.logger == nil {
		t.Fatal("bridge has no logger")
	}
	bridge.Start()
	bridge.Stop()
}
