package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a new structured logger with text output on stdout.
// app: application name (e.g., "coldvault")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(app string, level string) *slog.Logger {
	return NewWithWriter(os.Stdout, app, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, app string, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	handler := slog.NewTextHandler(w, opts)
	logger := slog.New(handler)

	// Add default attributes: app and pid
	return logger.With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
