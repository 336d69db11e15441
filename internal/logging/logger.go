// Package logging builds the structured loggers shared by the API
// server and the dispatch worker.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON slog logger for the given level string. Both
// binaries log through this so request ids and command fields line up
// across the API and the dispatcher.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// WithComponent tags every record from a subsystem, so one worker's
// dispatcher and scheduler loops can be told apart in aggregated logs.
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
