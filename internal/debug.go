package internal

import (
	"context"
	"log/slog"
)

// LevelTrace sits below debug; per-segment records use it.
const LevelTrace = slog.LevelDebug - 2

// LogEnabled is false for a nil logger.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	if l == nil {
		return false
	}
	return l.Enabled(context.Background(), lvl)
}

// LogAttrs logs through l when it is set.
func LogAttrs(l *slog.Logger, lvl slog.Level, msg string, attrs ...slog.Attr) {
	if l == nil {
		return
	}
	l.LogAttrs(context.Background(), lvl, msg, attrs...)
}
