package main

import (
	"log/slog"
	"os"
)

// newLogger builds a text-handler slog.Logger at the configured
// level. Unrecognised level strings fall back to Info rather than
// failing startup over a logging misconfiguration.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
