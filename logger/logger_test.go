package logger

import (
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "yaml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestReportCounters(t *testing.T) {
	reads := atomic.LoadInt64(&historyReads)
	fails := atomic.LoadInt64(&historyFails)
	writes := atomic.LoadInt64(&storeWrites)

	IncrementHistoryRead(128)
	IncrementHistoryFailure()
	IncrementHistoryFailure()
	IncrementStoreWrite(256)

	if got := atomic.LoadInt64(&historyReads) - reads; got != 1 {
		t.Errorf("history reads advanced by %d, want 1", got)
	}
	if got := atomic.LoadInt64(&historyFails) - fails; got != 2 {
		t.Errorf("history failures advanced by %d, want 2", got)
	}
	if got := atomic.LoadInt64(&storeWrites) - writes; got != 1 {
		t.Errorf("store writes advanced by %d, want 1", got)
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := t.TempDir() + "/maflow.log"
	if err := log.Configure("debug", "text", path, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	log.WithComponent("test").Info("hello")
}
