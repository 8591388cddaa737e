// Command worker runs the claim loop: it leases queued batches from the
// database and executes them without serving the public API. A metrics
// endpoint is exposed for scraping.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenstudio/media-orchestrator/internal/app"
	"github.com/lumenstudio/media-orchestrator/internal/config"
	"github.com/lumenstudio/media-orchestrator/internal/lockfile"
	"github.com/lumenstudio/media-orchestrator/internal/observability"
	"github.com/lumenstudio/media-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.BuildRuntime(ctx, cfg)
	if err != nil {
		slog.Error("runtime build failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	recovered, err := rt.Queue.Recover(ctx)
	if err != nil {
		slog.Error("recovery failed", slog.Any("error", err))
		os.Exit(1)
	}
	if recovered > 0 {
		slog.Info("recovered interrupted batches", slog.Int("count", recovered))
	}
	go rt.Queue.RunSweeper(ctx, cfg.StuckSweepInterval)

	// Metrics and liveness only; the API lives in the server binary.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("metrics server starting", slog.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server", slog.Any("error", err))
		}
	}()

	w := worker.New("", rt.Batches, rt.Queue, lockfile.JobLock(cfg.LockDir()), worker.Config{
		PollInterval: cfg.WorkerPollInterval,
		ClaimLimit:   cfg.WorkerClaimBatch,
		LeaseTTL:     cfg.WorkerClaimLease,
	})
	slog.Info("worker starting", slog.String("worker_id", w.ID()))

	if err := w.Run(ctx); err != nil {
		slog.Error("worker loop", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
