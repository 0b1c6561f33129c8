// Package logging configures the process-wide slog.Logger, fanning
// output out to stderr and any additional io.Writer targets (text or
// JSON) via samber/slog-multi.
package logging

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Config controls log level and destinations.
type Config struct {
	Level   slog.Level
	JSON    bool
	Targets []io.Writer
}

// New builds a *slog.Logger fanning out to cfg.Targets in addition to
// stderr, and installs it as the process default via slog.SetDefault.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	handlers := make([]slog.Handler, 0, len(cfg.Targets)+1)
	handlers = append(handlers, newHandler(os.Stderr, cfg.JSON, opts))
	for _, w := range cfg.Targets {
		handlers = append(handlers, newHandler(w, cfg.JSON, opts))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)
	return logger
}

func newHandler(w io.Writer, asJSON bool, opts *slog.HandlerOptions) slog.Handler {
	if asJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
