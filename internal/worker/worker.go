// Package worker implements the claim loop for out-of-process job
// execution. It leases QUEUED jobs through the repository and hands them
// to the queue's coordinators. The claim critical section is guarded by
// an advisory file lock so that co-located workers never race the
// repository scan.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lumenstudio/media-orchestrator/internal/batchqueue"
	"github.com/lumenstudio/media-orchestrator/internal/domain"
	"github.com/lumenstudio/media-orchestrator/internal/lockfile"
	"github.com/lumenstudio/media-orchestrator/internal/observability"
)

// Config tunes the claim loop.
type Config struct {
	// PollInterval is the delay between claim attempts.
	PollInterval time.Duration
	// ClaimLimit bounds how many jobs one pass may lease.
	ClaimLimit int
	// LeaseTTL is how long a claim stays exclusive; expired leases are
	// re-claimable.
	LeaseTTL time.Duration
	// LockTimeout bounds the wait for the claim file lock.
	LockTimeout time.Duration
}

// DefaultConfig matches the production envelope.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		ClaimLimit:   5,
		LeaseTTL:     10 * time.Minute,
		LockTimeout:  5 * time.Second,
	}
}

// Worker leases queued jobs and starts coordinators for them.
type Worker struct {
	id      string
	batches domain.BatchRepository
	queue   *batchqueue.Queue
	lock    *lockfile.Lock
	cfg     Config
	now     func() time.Time
}

// New wires a Worker. id identifies the claimant in claimed_by; when
// empty, a hostname-pid identity is derived.
func New(id string, batches domain.BatchRepository, queue *batchqueue.Queue, lock *lockfile.Lock, cfg Config) *Worker {
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = def.ClaimLimit
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	return &Worker{
		id:      id,
		batches: batches,
		queue:   queue,
		lock:    lock,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ID returns the claimant identity.
func (w *Worker) ID() string { return w.id }

// ClaimOnce leases up to ClaimLimit queued jobs and starts their
// coordinators, returning how many it started.
func (w *Worker) ClaimOnce(ctx context.Context) (int, error) {
	var claimed []domain.BatchJob
	claim := func() error {
		var err error
		claimed, err = w.batches.Claim(ctx, w.cfg.ClaimLimit, w.id, w.cfg.LeaseTTL, w.now().UTC())
		return err
	}
	if w.lock != nil {
		if err := w.lock.WithLock(ctx, w.cfg.LockTimeout, claim); err != nil {
			return 0, fmt.Errorf("op=worker.claim: %w", err)
		}
	} else if err := claim(); err != nil {
		return 0, fmt.Errorf("op=worker.claim: %w", err)
	}

	log := observability.LoggerFromContext(ctx)
	started := 0
	for _, job := range claimed {
		items, err := w.batches.Items(ctx, job.UUID, domain.ItemPending, domain.ItemRunning)
		if err != nil {
			return started, fmt.Errorf("op=worker.claim: %w", err)
		}
		if !w.queue.Start(job, items) {
			continue
		}
		observability.WorkerJobsClaimedTotal.Inc()
		log.Info("job claimed",
			slog.String("batch_uuid", job.UUID),
			slog.String("claimed_by", w.id),
			slog.Int("unfinished", len(items)))
		started++
	}
	return started, nil
}

// Run loops ClaimOnce until ctx is canceled, then waits for coordinators
// started by this worker to settle.
func (w *Worker) Run(ctx context.Context) error {
	log := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.ClaimOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("claim pass", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			w.queue.Wait()
			return nil
		case <-ticker.C:
		}
	}
	w.queue.Wait()
	return nil
}
