package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCrashTracker_FirstStart(t *testing.T) {
	ct := NewCrashTracker(t.TempDir())

	looping, err := ct.RecordStart()
	if err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if looping {
		t.Error("single start flagged as crash loop")
	}
}

func TestCrashTracker_RapidRestartsLoop(t *testing.T) {
	dir := t.TempDir()

	var looping bool
	for i := 0; i < crashThreshold; i++ {
		ct := NewCrashTracker(dir)
		var err error
		looping, err = ct.RecordStart()
		if err != nil {
			t.Fatalf("RecordStart %d: %v", i, err)
		}
	}
	if !looping {
		t.Errorf("%d rapid starts did not trip the loop detector", crashThreshold)
	}
}

func TestCrashTracker_ResetClears(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < crashThreshold; i++ {
		ct := NewCrashTracker(dir)
		if _, err := ct.RecordStart(); err != nil {
			t.Fatalf("RecordStart: %v", err)
		}
	}

	ct := NewCrashTracker(dir)
	if looping, _ := ct.RecordStart(); !looping {
		t.Fatal("expected loop before reset")
	}
	if err := ct.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	fresh := NewCrashTracker(dir)
	if looping, _ := fresh.RecordStart(); looping {
		t.Error("still looping after reset")
	}
}

func TestCrashTracker_CorruptStateResets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, crashStateFile), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	ct := NewCrashTracker(dir)
	looping, err := ct.RecordStart()
	if err != nil {
		t.Fatalf("RecordStart over corrupt state: %v", err)
	}
	if looping {
		t.Error("corrupt state treated as crash history")
	}
}

func TestCrashTracker_CreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	ct := NewCrashTracker(dir)
	if _, err := ct.RecordStart(); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, crashStateFile)); err != nil {
		t.Errorf("state file not written: %v", err)
	}
}

func TestCrashTracker_Probe(t *testing.T) {
	ct := NewCrashTracker(t.TempDir())
	if _, err := ct.RecordStart(); err != nil {
		t.Fatal(err)
	}

	check := ct.Probe()(context.Background())
	if check.Status != StatusHealthy {
		t.Errorf("probe after one start = %s %s", check.Status, check.Message)
	}

	dir := t.TempDir()
	var last *CrashTracker
	for i := 0; i < crashThreshold; i++ {
		last = NewCrashTracker(dir)
		last.RecordStart()
	}
	check = last.Probe()(context.Background())
	if check.Status != StatusDegraded {
		t.Errorf("probe in loop = %s, want degraded", check.Status)
	}
}
