package batchqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
	"github.com/lumenstudio/media-orchestrator/internal/observability"
)

// runJob is the per-job coordinator. It fans items out under the global
// semaphore, lets in-flight items finish on cancellation, and finalizes
// the job exactly once. The coordinator never holds the semaphore
// itself; only item tasks do.
func (q *Queue) runJob(job domain.BatchJob, items []domain.BatchJobItem, st *jobState) {
	ctx := observability.ContextWithLogger(context.Background(),
		slog.Default().With(slog.String("batch_uuid", job.UUID)))
	log := observability.LoggerFromContext(ctx)

	if job.Status == domain.BatchQueued {
		if err := q.batches.MarkRunning(ctx, job.UUID, q.now().UTC()); err != nil {
			// Lost the transition (canceled or finalized elsewhere).
			log.Warn("coordinator yielded", slog.Any("error", err))
			return
		}
	}

	// Semaphore waits abort on cancellation; running items do not.
	acquireCtx, stopAcquire := context.WithCancel(ctx)
	go func() {
		select {
		case <-st.cancelRequested:
			stopAcquire()
		case <-st.done:
			stopAcquire()
		}
	}()

	var wg sync.WaitGroup
	for _, it := range items {
		if it.Status == domain.ItemCompleted || it.Status == domain.ItemFailed {
			continue
		}
		if st.canceled() {
			break
		}
		if err := q.sem.Acquire(acquireCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(it domain.BatchJobItem) {
			defer wg.Done()
			defer q.sem.Release(1)
			q.runItem(ctx, job, it)
		}(it)
	}
	wg.Wait()
	q.finalize(ctx, job.UUID, st)
}

// runItem executes one item and commits its outcome.
func (q *Queue) runItem(ctx context.Context, job domain.BatchJob, it domain.BatchJobItem) {
	log := observability.LoggerFromContext(ctx)
	itemID := fmt.Sprintf("%s-%d", job.UUID, it.Index)
	started := q.now()

	_ = q.batches.MarkItemRunning(ctx, job.UUID, it.Index, started.UTC())
	observability.BatchItemsRunning.Inc()
	defer observability.BatchItemsRunning.Dec()

	poll, err := q.runner.Run(ctx, itemID, buildRequest(job, it))
	finished := q.now()

	switch {
	case err != nil:
		q.failItem(ctx, job.UUID, it.Index, err.Error(), finished)
	case poll.State == domain.GenFailed:
		q.failItem(ctx, job.UUID, it.Index, poll.Message, finished)
	default:
		url := poll.ResultURL
		if q.store != nil && q.cfg.CacheResults {
			if cached, _, err := q.store.PutURL(ctx, url); err == nil {
				url = cached
			} else {
				log.Warn("result caching failed; keeping provider url",
					slog.Int("item", it.Index), slog.Any("error", err))
			}
		}
		dur := finished.Sub(started)
		if err := q.batches.CompleteItem(ctx, job.UUID, it.Index, url, finished.UTC(), dur.Milliseconds()); err != nil {
			log.Error("complete item", slog.Int("item", it.Index), slog.Any("error", err))
			return
		}
		observability.BatchItemsCompletedTotal.WithLabelValues("completed").Inc()
		q.avg.record(job.Config.Model(), dur)
		q.refreshETA(ctx, job.UUID, job.Config.Model())
	}
}

func (q *Queue) failItem(ctx context.Context, jobUUID string, index int, msg string, finished time.Time) {
	if err := q.batches.FailItem(ctx, jobUUID, index, msg, finished.UTC()); err != nil {
		observability.LoggerFromContext(ctx).Error("fail item",
			slog.Int("item", index), slog.Any("error", err))
		return
	}
	observability.BatchItemsCompletedTotal.WithLabelValues("failed").Inc()
}

// refreshETA republishes the moving average and projected finish.
func (q *Queue) refreshETA(ctx context.Context, jobUUID, model string) {
	cur, err := q.batches.Get(ctx, jobUUID)
	if err != nil {
		return
	}
	remaining := cur.Pending
	_ = q.batches.UpdateETA(ctx, jobUUID, q.avg.avgMS(model), q.avg.eta(model, remaining, q.now().UTC()))
}

// finalize commits the terminal state once every task has settled.
func (q *Queue) finalize(ctx context.Context, jobUUID string, st *jobState) {
	log := observability.LoggerFromContext(ctx)
	cur, err := q.batches.Get(ctx, jobUUID)
	if err != nil {
		log.Error("finalize load", slog.Any("error", err))
		return
	}
	if cur.Status.Terminal() {
		return
	}
	now := q.now().UTC()

	if st.canceled() {
		refund := refundFor(cur.CreditsCharged, cur.Pending, cur.Quantity)
		if err := q.batches.CancelRefund(ctx, jobUUID, refund, now); err != nil {
			log.Error("cancel refund", slog.Any("error", err))
			return
		}
		observability.CreditsRefundedTotal.Add(float64(refund))
		log.Info("batch canceled",
			slog.Int64("refund", refund),
			slog.Int("pending", cur.Pending),
			slog.Int("quantity", cur.Quantity))
		return
	}

	if cur.Failed == cur.Quantity {
		_ = q.batches.Finalize(ctx, jobUUID, domain.BatchFailed, "all items failed", now)
		log.Warn("batch failed", slog.Int("failed", cur.Failed))
		return
	}
	_ = q.batches.Finalize(ctx, jobUUID, domain.BatchCompleted, "", now)
	log.Info("batch completed",
		slog.Int("completed", cur.Completed),
		slog.Int("failed", cur.Failed))
}

// buildRequest maps the job configuration and one item onto the backend
// request contract.
func buildRequest(job domain.BatchJob, it domain.BatchJobItem) domain.GenerationRequest {
	req := domain.GenerationRequest{
		JobID:  fmt.Sprintf("%s-%d", job.UUID, it.Index),
		Model:  job.Config.Model(),
		Prompt: it.Prompt,
		NSFW:   job.Config.Header().NSFW,
		Params: it.VariationParams,
	}
	switch job.Config.Type {
	case domain.OutputImage:
		if c := job.Config.Image; c != nil {
			req.Quality = c.Quality
			req.AspectRatio = c.AspectRatio
		}
	case domain.OutputVideo:
		if c := job.Config.Video; c != nil {
			req.Resolution = c.Resolution
			req.DurationSec = c.DurationSec
			req.ImageURL = c.ImageURL
		}
	case domain.OutputCarousel:
		if c := job.Config.Carousel; c != nil {
			req.Quality = c.Quality
		}
	case domain.OutputPipeline:
		if c := job.Config.Pipeline; c != nil {
			req.Quality = c.Image.Quality
			req.AspectRatio = c.Image.AspectRatio
			req.Resolution = c.Video.Resolution
			req.DurationSec = c.Video.DurationSec
		}
	}
	return req
}
