// Package logging provides the structured logger shared by every long-lived
// component of the bridge.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with the bridge's construction conventions: built
// once at startup from configuration and passed explicitly into every
// component that needs it, never reached through a package-level global.
type Logger struct {
	*slog.Logger
}

// New creates a Logger at the given level, writing structured JSON to stdout.
func New(level string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return &Logger{Logger: slog.New(handler)}
}

// Default returns a Logger at info level, for tests and tools that don't
// otherwise have a configured level.
func Default() *Logger {
	return New("info")
}

// With returns a Logger whose entries carry the given key-value attributes,
// mirroring slog.Logger.With but preserving the Logger wrapper type.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
