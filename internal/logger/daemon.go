package logger

import (
	"io"
	"log/slog"
	"os"
)

// NewDaemonLogger builds the daemon's own structured logger: a
// slog.Logger backed by ColorTextHandler when w is a terminal-like sink,
// or a plain slog.TextHandler otherwise. Per-process stdout/stderr
// capture uses Config.Writers instead; this logger is for the daemon's
// own operational log lines.
func NewDaemonLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			return slog.New(NewColorTextHandler(w, opts, true))
		}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
