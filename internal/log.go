package internal

import (
	"log/slog"
)

// LevelTrace is a logging level below debug for very verbose output.
const LevelTrace = slog.LevelDebug - 4

// ReplaceAttr renders custom log levels under their own names.
func ReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}

	if level, ok := a.Value.Any().(slog.Level); ok && level <= LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
