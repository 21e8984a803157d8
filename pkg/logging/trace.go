package logging

import (
	"context"
	"log/slog"
)

// LevelTrace sits below DEBUG and carries per-tick output such as playback
// position updates. Enable it with level "TRACE".
const LevelTrace = slog.Level(-8)

// Trace logs msg at LevelTrace.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// TraceDefault logs msg at LevelTrace to the default logger.
func TraceDefault(msg string, args ...any) {
	Trace(slog.Default(), msg, args...)
}

// parseLevel maps a config level name to a slog level. Unknown names are INFO.
func parseLevel(s string) slog.Level {
	switch s {
	case "TRACE", "trace":
		return LevelTrace
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// levelNames prints LevelTrace as "TRACE" instead of "DEBUG-4".
func levelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
