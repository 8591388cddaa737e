// Package batchqueue implements the central scheduler: batch submission
// with charge-at-create, per-job coordinators fanning items out under a
// global semaphore, progress counters, ETA, cancellation with pro-rata
// refund, and crash recovery.
package batchqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
	"github.com/lumenstudio/media-orchestrator/internal/observability"
)

// maxQuantity bounds a single batch.
const maxQuantity = 500

// ItemRunner executes one item end to end; the orchestrator implements
// it, tests script it.
type ItemRunner interface {
	Run(ctx context.Context, jobID string, req domain.GenerationRequest) (domain.GenerationPoll, error)
}

// Config tunes the queue.
type Config struct {
	// MaxConcurrency is the global item-level semaphore width.
	MaxConcurrency int64
	// StuckJobMaxAge is how long a RUNNING job without a live
	// coordinator may sit before the sweeper fails it.
	StuckJobMaxAge time.Duration
	// CacheResults copies item results into the object store when set.
	CacheResults bool
}

// DefaultConfig matches the production envelope.
func DefaultConfig() Config {
	return Config{MaxConcurrency: 10, StuckJobMaxAge: 30 * time.Minute}
}

// ItemSpec is the caller-facing description of one item.
type ItemSpec struct {
	Prompt          string
	Caption         string
	VariationParams map[string]any
}

// jobState is the in-memory handle of a live coordinator.
type jobState struct {
	cancelRequested chan struct{}
	cancelOnce      sync.Once
	done            chan struct{}
}

func (s *jobState) requestCancel() {
	s.cancelOnce.Do(func() { close(s.cancelRequested) })
}

func (s *jobState) canceled() bool {
	select {
	case <-s.cancelRequested:
		return true
	default:
		return false
	}
}

// Queue is the scheduler.
type Queue struct {
	users   domain.UserRepository
	batches domain.BatchRepository
	runner  ItemRunner
	store   domain.ObjectStore
	cfg     Config

	sem *semaphore.Weighted
	avg *avgTable

	mu   sync.Mutex
	jobs map[string]*jobState
	wg   sync.WaitGroup

	now func() time.Time
}

// New wires a Queue. store may be nil when result caching is disabled.
func New(users domain.UserRepository, batches domain.BatchRepository, runner ItemRunner, store domain.ObjectStore, cfg Config) *Queue {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.StuckJobMaxAge <= 0 {
		cfg.StuckJobMaxAge = 30 * time.Minute
	}
	return &Queue{
		users:   users,
		batches: batches,
		runner:  runner,
		store:   store,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrency),
		avg:     newAvgTable(),
		jobs:    map[string]*jobState{},
		now:     time.Now,
	}
}

// Submit validates, prices, charges, persists, and schedules a batch.
// The debit and the insert commit together; admission failures charge
// nothing.
func (q *Queue) Submit(ctx context.Context, userID int64, outputType domain.OutputType, cfg domain.JobConfig, specs []ItemSpec) (domain.BatchJob, error) {
	log := observability.LoggerFromContext(ctx)

	u, err := q.users.Get(ctx, userID)
	if err != nil {
		return domain.BatchJob{}, fmt.Errorf("op=batchqueue.submit: %w", err)
	}
	if !u.Active {
		return domain.BatchJob{}, fmt.Errorf("op=batchqueue.submit: %w", domain.ErrUserInactive)
	}

	quantity := len(specs)
	if quantity < 1 || quantity > maxQuantity {
		return domain.BatchJob{}, fmt.Errorf("op=batchqueue.submit: %w: quantity %d outside [1,%d]",
			domain.ErrInvalidArgument, quantity, maxQuantity)
	}
	if cfg.Type != outputType {
		return domain.BatchJob{}, fmt.Errorf("op=batchqueue.submit: %w: config type %q does not match %q",
			domain.ErrInvalidArgument, cfg.Type, outputType)
	}
	if err := cfg.Validate(); err != nil {
		return domain.BatchJob{}, fmt.Errorf("op=batchqueue.submit: %w", err)
	}

	active, err := q.batches.CountActiveForUser(ctx, userID)
	if err != nil {
		return domain.BatchJob{}, fmt.Errorf("op=batchqueue.submit: %w", err)
	}
	if limit := u.Tier.JobLimit(); active >= limit {
		return domain.BatchJob{}, fmt.Errorf("op=batchqueue.submit: %w", &domain.TierLimitError{Limit: limit})
	}

	price := domain.CalculateJobCost(outputType, quantity, cfg)

	job := domain.BatchJob{
		UUID:           uuid.NewString(),
		UserID:         userID,
		OutputType:     outputType,
		Config:         cfg,
		Quantity:       quantity,
		Pending:        quantity,
		CreditsCharged: price,
		Status:         domain.BatchQueued,
		CreatedAt:      q.now().UTC(),
	}
	items := make([]domain.BatchJobItem, quantity)
	for i, spec := range specs {
		items[i] = domain.BatchJobItem{
			BatchUUID:       job.UUID,
			Index:           i,
			Prompt:          spec.Prompt,
			Caption:         spec.Caption,
			VariationParams: spec.VariationParams,
			Status:          domain.ItemPending,
		}
	}

	if err := q.batches.CreateCharged(ctx, job, items); err != nil {
		return domain.BatchJob{}, fmt.Errorf("op=batchqueue.submit: %w", err)
	}
	observability.BatchJobsSubmittedTotal.WithLabelValues(string(outputType)).Inc()
	observability.CreditsChargedTotal.Add(float64(price))
	log.Info("batch submitted",
		slog.String("batch_uuid", job.UUID),
		slog.Int64("user_id", userID),
		slog.Int("quantity", quantity),
		slog.Int64("credits", price))

	q.spawn(job, items)
	return job, nil
}

// spawn registers a coordinator for the job and starts it. A job that
// already has a live coordinator is left alone.
func (q *Queue) spawn(job domain.BatchJob, items []domain.BatchJobItem) bool {
	st := &jobState{cancelRequested: make(chan struct{}), done: make(chan struct{})}
	q.mu.Lock()
	if _, ok := q.jobs[job.UUID]; ok {
		q.mu.Unlock()
		return false
	}
	q.jobs[job.UUID] = st
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(st.done)
		defer func() {
			q.mu.Lock()
			delete(q.jobs, job.UUID)
			q.mu.Unlock()
		}()
		q.runJob(job, items, st)
	}()
	return true
}

// Start launches a coordinator for a job that is already persisted, such
// as one claimed by a worker process. Returns false when a coordinator is
// already live for it.
func (q *Queue) Start(job domain.BatchJob, items []domain.BatchJobItem) bool {
	return q.spawn(job, items)
}

// Cancel requests cooperative cancellation and waits for in-flight
// items to settle, returning the refunded amount. Canceling an already
// canceled job returns the prior refund without a new ledger row.
func (q *Queue) Cancel(ctx context.Context, jobUUID string, userID int64) (int64, error) {
	job, err := q.batches.Get(ctx, jobUUID)
	if err != nil {
		return 0, fmt.Errorf("op=batchqueue.cancel: %w", err)
	}
	if job.UserID != userID {
		return 0, fmt.Errorf("op=batchqueue.cancel: %w", domain.ErrPermissionDenied)
	}
	if job.Status == domain.BatchCanceled {
		return job.CreditsRefunded, nil
	}
	if job.Status.Terminal() {
		return 0, fmt.Errorf("op=batchqueue.cancel: %w: job already %s", domain.ErrConflict, job.Status)
	}

	q.mu.Lock()
	st := q.jobs[jobUUID]
	q.mu.Unlock()

	if st == nil {
		// No live coordinator (queued after restart): cancel directly.
		refund := refundFor(job.CreditsCharged, job.Pending, job.Quantity)
		if err := q.batches.CancelRefund(ctx, jobUUID, refund, q.now().UTC()); err != nil {
			return 0, fmt.Errorf("op=batchqueue.cancel: %w", err)
		}
		observability.CreditsRefundedTotal.Add(float64(refund))
		return refund, nil
	}

	st.requestCancel()
	select {
	case <-st.done:
	case <-ctx.Done():
		return 0, fmt.Errorf("op=batchqueue.cancel: %w", ctx.Err())
	}

	job, err = q.batches.Get(ctx, jobUUID)
	if err != nil {
		return 0, fmt.Errorf("op=batchqueue.cancel: %w", err)
	}
	return job.CreditsRefunded, nil
}

// refundFor computes the pro-rata refund for unstarted work.
func refundFor(charged int64, pending, quantity int) int64 {
	if quantity <= 0 || pending <= 0 {
		return 0
	}
	return charged * int64(pending) / int64(quantity)
}

// GetState returns the job with its items.
func (q *Queue) GetState(ctx context.Context, jobUUID string) (domain.BatchJob, []domain.BatchJobItem, error) {
	job, err := q.batches.Get(ctx, jobUUID)
	if err != nil {
		return domain.BatchJob{}, nil, fmt.Errorf("op=batchqueue.get: %w", err)
	}
	items, err := q.batches.Items(ctx, jobUUID)
	if err != nil {
		return domain.BatchJob{}, nil, fmt.Errorf("op=batchqueue.get: %w", err)
	}
	return job, items, nil
}

// Live reports whether a coordinator is running for the job.
func (q *Queue) Live(jobUUID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[jobUUID]
	return ok
}

// Wait blocks until every coordinator has finished. Used by shutdown
// and tests.
func (q *Queue) Wait() { q.wg.Wait() }
