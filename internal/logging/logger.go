package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON slog logger for the given process. Both the
// API server and the event consumer tag their records with a component
// attribute so a shared log backend can tell them apart.
func NewLogger(component, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With("component", component)
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
