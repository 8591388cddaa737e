package batchqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
	"github.com/lumenstudio/media-orchestrator/internal/observability"
)

// Recover scans non-terminal jobs after a restart and restarts their
// coordinators. Unfinished items (PENDING and RUNNING alike) are
// re-enqueued; completing an item is idempotent on the result column,
// so re-running an item the crash caught mid-flight cannot
// double-count.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	log := observability.LoggerFromContext(ctx)
	jobs, err := q.batches.ListByStatus(ctx, domain.BatchQueued, domain.BatchRunning)
	if err != nil {
		return 0, fmt.Errorf("op=batchqueue.recover: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		if q.Live(job.UUID) {
			continue
		}
		items, err := q.batches.Items(ctx, job.UUID, domain.ItemPending, domain.ItemRunning)
		if err != nil {
			return recovered, fmt.Errorf("op=batchqueue.recover: %w", err)
		}
		log.Info("recovering batch",
			slog.String("batch_uuid", job.UUID),
			slog.String("status", string(job.Status)),
			slog.Int("unfinished", len(items)))
		// A job that crashed between its last item and finalize has no
		// unfinished items; the coordinator goes straight to finalize.
		if q.spawn(job, items) {
			recovered++
		}
	}
	return recovered, nil
}

// SweepStuck fails RUNNING jobs with no live coordinator that stopped
// progressing past the configured age. Recovery normally picks these up
// first; the sweeper is the backstop for jobs recovery itself cannot
// restart.
func (q *Queue) SweepStuck(ctx context.Context) (int, error) {
	log := observability.LoggerFromContext(ctx)
	jobs, err := q.batches.ListByStatus(ctx, domain.BatchRunning)
	if err != nil {
		return 0, fmt.Errorf("op=batchqueue.sweep: %w", err)
	}

	cutoff := q.now().Add(-q.cfg.StuckJobMaxAge)
	swept := 0
	for _, job := range jobs {
		if q.Live(job.UUID) {
			continue
		}
		started := job.CreatedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		if started.After(cutoff) {
			continue
		}
		msg := fmt.Sprintf("no progress since %s", started.UTC().Format(time.RFC3339))
		if err := q.batches.Finalize(ctx, job.UUID, domain.BatchFailed, msg, q.now().UTC()); err != nil {
			log.Error("sweep finalize", slog.String("batch_uuid", job.UUID), slog.Any("error", err))
			continue
		}
		log.Warn("stuck batch failed by sweeper", slog.String("batch_uuid", job.UUID))
		swept++
	}
	return swept, nil
}

// RunSweeper periodically invokes SweepStuck until ctx is canceled.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.SweepStuck(ctx); err != nil {
				observability.LoggerFromContext(ctx).Error("sweep", slog.Any("error", err))
			}
		}
	}
}
