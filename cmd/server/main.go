// Command server starts the media orchestrator HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumenstudio/media-orchestrator/internal/adapter/httpserver"
	"github.com/lumenstudio/media-orchestrator/internal/app"
	"github.com/lumenstudio/media-orchestrator/internal/config"
	"github.com/lumenstudio/media-orchestrator/internal/observability"
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

	ctx := context.Background()
	rt, err := app.BuildRuntime(ctx, cfg)
	if err != nil {
		slog.Error("runtime build failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	// Restart coordinators for jobs interrupted by the previous run.
	recovered, err := rt.Queue.Recover(ctx)
	if err != nil {
		slog.Error("recovery failed", slog.Any("error", err))
		os.Exit(1)
	}
	if recovered > 0 {
		slog.Info("recovered interrupted batches", slog.Int("count", recovered))
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go rt.Queue.RunSweeper(sweepCtx, cfg.StuckSweepInterval)

	srv := httpserver.NewServer(cfg, rt.Queue, rt.Credits, rt.Validator,
		rt.DBCheck(), rt.RedisCheck(), rt.StorageCheck())
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Let live coordinators settle; their checkpoints cover the rest.
	stopSweeper()
	rt.Queue.Wait()
}
