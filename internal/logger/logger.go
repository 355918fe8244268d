// Package logger configures the daemon's structured logging: a JSON
// slog handler tagged with the service name, plus helpers for deriving
// per-target child loggers and per-job trace IDs so every line of a
// backfill or repair run can be grepped back together.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Init creates the process-wide logger for the given service. level is
// the configuration string ("debug", "info", "warn", "error"); unknown
// values fall back to info. The logger outputs JSON to stdout and is
// installed as the slog default so package-level slog calls share it.
func Init(service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps a configuration string onto a slog level, defaulting
// to info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForTarget returns a child logger carrying the (symbol, timeframe)
// identity, so ingestion services don't repeat those attrs on every
// call site.
func ForTarget(log *slog.Logger, symbol, timeframe string) *slog.Logger {
	return log.With(
		slog.String("symbol", symbol),
		slog.String("timeframe", timeframe),
	)
}

// NewJobTrace creates a trace ID for one fetch unit of work, issued
// before the job row exists so log lines from the whole run — including
// the CreateJob call itself — share an identifier.
// Format: "{kind}-{unixNano}"; lightweight, no UUID dependency.
func NewJobTrace(kind string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", kind, ts.UnixNano())
}
