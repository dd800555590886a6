// Package logging builds the process logger from the logging configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/luccadibe/wpfleet/internal/config"
	"github.com/mattn/go-isatty"
)

// New returns a logger for cfg and a close function for the log file, if any.
// Without a path it writes to stderr: text on a terminal, JSON otherwise,
// unless the format is set explicitly.
func New(cfg *config.LoggingConfig) (*slog.Logger, func() error, error) {
	if cfg == nil {
		cfg = &config.LoggingConfig{}
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var (
		out      io.Writer = os.Stderr
		closeFn            = func() error { return nil }
		terminal           = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	)
	if cfg.Path != "" {
		file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening log file: %w", err)
		}
		out, closeFn, terminal = file, file.Close, false
	}
	return slog.New(handler(out, cfg.Format, terminal, opts)), closeFn, nil
}

func handler(out io.Writer, format string, terminal bool, opts *slog.HandlerOptions) slog.Handler {
	switch {
	case format == "json":
		return slog.NewJSONHandler(out, opts)
	case format == "text", format == "" && terminal:
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

// ParseLevel maps a configured level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
