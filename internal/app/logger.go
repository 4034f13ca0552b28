package app

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the relay-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger builds the relay's structured logger: JSON to stdout with source
// attribution, so relay events (store sweeps, socket evictions, audit-log
// flush failures) stay machine-parseable in container logs.
//
// The logger is also installed as the slog default so stray library logging
// flows through the same handler.
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
	})

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

// parseLevel maps a TERRARIUM_LOG_LEVEL value to a slog level.
// Unknown values fall back to info rather than failing startup.
func parseLevel(s string) slog.Level {
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
