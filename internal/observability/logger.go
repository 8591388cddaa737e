// Package observability provides logging, metrics, and tracing.
package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/lumenstudio/media-orchestrator/internal/config"
)

// NewLogger builds a logger writing to w. Dev runs get debug-level text
// output; everything else emits info-level JSON for ingestion. Every
// record carries the service identity so the API server and the batch
// workers stay distinguishable in one aggregated stream.
func NewLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.IsDev() {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	host, _ := os.Hostname()
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.String("host", host),
		slog.Int("pid", os.Getpid()),
	)
}

// SetupLogger configures the process logger on stdout.
func SetupLogger(cfg config.Config) *slog.Logger {
	return NewLogger(os.Stdout, cfg)
}
