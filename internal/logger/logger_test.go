package logger

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInitReturnsLogger(t *testing.T) {
	logger := Init("test-service", "info")
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"  DEBUG ", slog.LevelDebug},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := ParseLevel(c.in); got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestNewJobTrace(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	tid := NewJobTrace("backfill", ts)

	if !strings.HasPrefix(tid, "backfill-") {
		t.Errorf("expected trace id to start with 'backfill-', got %s", tid)
	}
	if !strings.Contains(tid, "123456789") {
		t.Errorf("expected trace id to contain nanoseconds, got %s", tid)
	}
}

func TestForTargetDoesNotMutateParent(t *testing.T) {
	parent := Init("test-service", "info")
	child := ForTarget(parent, "BTCUSD", "1m")
	if child == parent {
		t.Fatal("expected a distinct child logger")
	}
}
