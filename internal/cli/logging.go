package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kernelsu/ksud/internal/config"
)

// newLogger builds the process logger from cfg. Debug level is forced by
// verbose or by the presence of the verbose marker file. The returned func
// closes the output file, if any.
func newLogger(cfg *config.Config, verbose bool, stderr io.Writer) (*slog.Logger, func(), error) {
	level := parseLevel(cfg.Logging.Level)
	if verbose {
		level = slog.LevelDebug
	}
	if _, err := os.Stat(cfg.VerboseMarker()); err == nil {
		level = slog.LevelDebug
	}

	w := stderr
	closeFn := func() {}
	if cfg.Logging.Output != "" {
		f, err := os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Logging.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
