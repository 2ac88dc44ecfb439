package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON slog logger. Structured output, level from
// config; each service gets a child logger tagged with its component.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// For returns a child logger tagged with the component name.
func For(log *slog.Logger, component string) *slog.Logger {
	return log.With("component", component)
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
