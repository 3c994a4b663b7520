package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// newLogger creates a JSON structured logger writing to w.
func newLogger(w io.Writer, level string) *slog.Logger {
	lvl := slog.LevelInfo

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	})

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

// logOutput picks where logs go. The TUI owns stderr, so without a log
// file logs are dropped while it runs.
func logOutput(path string, tty bool) (io.Writer, func(), error) {
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	}
	if tty {
		return io.Discard, func() {}, nil
	}
	return os.Stderr, func() {}, nil
}
