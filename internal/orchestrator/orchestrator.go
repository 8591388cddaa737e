// Package orchestrator runs a single generation item end to end:
// validate, cooldown gate, checkpoint, rate limit, retried submit, and
// the polling loop. It is the worker body of the batch queue and the
// legacy single-job path.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumenstudio/media-orchestrator/internal/adapter/generation"
	"github.com/lumenstudio/media-orchestrator/internal/checkpoint"
	"github.com/lumenstudio/media-orchestrator/internal/domain"
	"github.com/lumenstudio/media-orchestrator/internal/flowlog"
	"github.com/lumenstudio/media-orchestrator/internal/observability"
	"github.com/lumenstudio/media-orchestrator/internal/reliability"
	"github.com/lumenstudio/media-orchestrator/internal/validate"
)

// Config bounds the orchestrator's reliability envelope.
type Config struct {
	RetryConfig    reliability.RetryConfig
	AcquireTimeout time.Duration
	PollInterval   time.Duration
	MaxPolls       int
	// FlowLogDir, when set, enables per-job flow logs.
	FlowLogDir string
}

// DefaultConfig mirrors the production envelope: 5s polls, a 10 minute
// ceiling (120 polls), and a 30s rate-limit acquire budget.
func DefaultConfig() Config {
	return Config{
		RetryConfig:    reliability.DefaultRetryConfig(),
		AcquireTimeout: 30 * time.Second,
		PollInterval:   5 * time.Second,
		MaxPolls:       120,
	}
}

// Orchestrator composes the reliability primitives around the backend
// adapters.
type Orchestrator struct {
	registry    *generation.Registry
	validator   *validate.Service
	cooldowns   *reliability.CooldownTracker
	checkpoints *checkpoint.Manager
	limiter     reliability.Limiter
	distributed *reliability.RedisLuaLimiter
	cfg         Config

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an Orchestrator. distributed may be nil when no shared
// limiter is deployed; limiter may be nil to skip local limiting.
func New(registry *generation.Registry, validator *validate.Service, cooldowns *reliability.CooldownTracker,
	checkpoints *checkpoint.Manager, limiter reliability.Limiter, distributed *reliability.RedisLuaLimiter,
	cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 120
	}
	return &Orchestrator{
		registry:    registry,
		validator:   validator,
		cooldowns:   cooldowns,
		checkpoints: checkpoints,
		limiter:     limiter,
		distributed: distributed,
		cfg:         cfg,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Submit validates and submits one item, returning the provider request
// id. Errors carry their class; the caller maps class to item outcome.
func (o *Orchestrator) Submit(ctx context.Context, jobID string, req domain.GenerationRequest) (string, error) {
	log := observability.LoggerFromContext(ctx)

	if err := o.validator.Generation(validate.GenerationInput{
		Model:       req.Model,
		ImageURL:    req.ImageURL,
		Prompt:      req.Prompt,
		Resolution:  req.Resolution,
		DurationSec: req.DurationSec,
	}); err != nil {
		return "", reliability.NewClassified(reliability.ClassInvalidInput, err)
	}

	if o.cooldowns != nil && o.cooldowns.InCooldown(jobID) {
		remaining := o.cooldowns.Remaining(jobID)
		return "", reliability.NewClassified(reliability.ClassTransient,
			fmt.Errorf("op=orchestrator.submit: job %s in cooldown for %s", jobID, remaining))
	}

	gen, err := o.registry.ForModel(req.Model)
	if err != nil {
		return "", reliability.NewClassified(reliability.ClassInvalidInput, err)
	}

	_ = o.checkpoints.Write(checkpoint.Entry{
		ID:     jobID,
		Status: checkpoint.StatusStarted,
		Context: map[string]any{
			"model":      req.Model,
			"image_url":  req.ImageURL,
			"prompt":     req.Prompt,
			"resolution": req.Resolution,
		},
	})

	fl := o.flow(jobID)
	if fl != nil {
		defer func() { _ = fl.Close() }()
		_ = fl.Submit("submit", gen.Name(), req.Model, nil)
	}

	if err := o.acquire(ctx, gen.Name()); err != nil {
		return "", err
	}

	start := time.Now()
	requestID, res := reliability.Retry(ctx, o.cfg.RetryConfig, "generation.submit",
		func(ctx context.Context) (string, error) {
			return gen.Submit(ctx, req)
		})
	observability.GenerationRequestsTotal.WithLabelValues(gen.Name(), "submit").Inc()
	observability.GenerationRequestDuration.WithLabelValues(gen.Name(), "submit").Observe(time.Since(start).Seconds())

	if !res.Success {
		if o.cooldowns != nil {
			o.cooldowns.RecordFailure(jobID, res.Err)
		}
		_ = o.checkpoints.Write(checkpoint.Entry{
			ID:     jobID,
			Status: checkpoint.StatusFailed,
			Error:  res.Err.Error(),
		})
		if fl != nil {
			_ = fl.Error("submit", res.Err, map[string]any{"attempts": res.Attempts})
		}
		log.Warn("submit failed after retries",
			slog.String("job_id", jobID),
			slog.String("class", string(res.Class)),
			slog.Int("attempts", res.Attempts))
		return "", reliability.NewClassified(res.Class, res.Err)
	}

	_ = o.checkpoints.Write(checkpoint.Entry{
		ID:     jobID,
		Status: checkpoint.StatusSubmitted,
		Result: map[string]any{"request_id": requestID},
	})
	return requestID, nil
}

// acquire admits one call through the shared then the local limiter.
func (o *Orchestrator) acquire(ctx context.Context, provider string) error {
	if o.distributed != nil {
		allowed, retryAfter, err := o.distributed.Allow(ctx, provider, 1)
		if err == nil && !allowed {
			return reliability.NewClassified(reliability.ClassRateLimit,
				fmt.Errorf("op=orchestrator.acquire: shared limiter holds %s for %s", provider, retryAfter))
		}
	}
	if o.limiter != nil && !o.limiter.Acquire(ctx, 1, o.cfg.AcquireTimeout) {
		return reliability.NewClassified(reliability.ClassRateLimit,
			fmt.Errorf("op=orchestrator.acquire: no slot within %s", o.cfg.AcquireTimeout))
	}
	return nil
}

// PollUntilDone polls the request until a terminal state or exhaustion.
// Exhaustion returns a TRANSIENT error without checkpointing a failure:
// the remote may still finish and recovery can resume the poll.
func (o *Orchestrator) PollUntilDone(ctx context.Context, jobID, model, requestID string) (domain.GenerationPoll, error) {
	gen, err := o.registry.ForModel(model)
	if err != nil {
		return domain.GenerationPoll{}, reliability.NewClassified(reliability.ClassInvalidInput, err)
	}

	fl := o.flow(jobID)
	if fl != nil {
		defer func() { _ = fl.Close() }()
	}

	for attempt := 1; attempt <= o.cfg.MaxPolls; attempt++ {
		start := time.Now()
		poll, res := reliability.Retry(ctx, o.cfg.RetryConfig, "generation.poll",
			func(ctx context.Context) (domain.GenerationPoll, error) {
				return gen.Poll(ctx, requestID)
			})
		observability.GenerationRequestsTotal.WithLabelValues(gen.Name(), "poll").Inc()
		observability.GenerationRequestDuration.WithLabelValues(gen.Name(), "poll").Observe(time.Since(start).Seconds())

		if !res.Success {
			if o.cooldowns != nil {
				o.cooldowns.RecordFailure(jobID, res.Err)
			}
			if fl != nil {
				_ = fl.Error("poll", res.Err, map[string]any{"attempt": attempt})
			}
			return domain.GenerationPoll{}, reliability.NewClassified(res.Class, res.Err)
		}

		if fl != nil {
			_ = fl.Poll("poll", requestID, poll.State, attempt)
		}

		switch poll.State {
		case domain.GenCompleted:
			_ = o.checkpoints.Write(checkpoint.Entry{
				ID:     jobID,
				Status: checkpoint.StatusCompleted,
				Result: map[string]any{"result_url": poll.ResultURL},
			})
			if o.cooldowns != nil {
				o.cooldowns.RecordSuccess(jobID)
			}
			if fl != nil {
				_ = fl.Result("poll", poll.ResultURL, nil)
			}
			return poll, nil

		case domain.GenFailed:
			_ = o.checkpoints.Write(checkpoint.Entry{
				ID:     jobID,
				Status: checkpoint.StatusFailed,
				Error:  poll.Message,
			})
			if o.cooldowns != nil {
				o.cooldowns.RecordFailure(jobID, fmt.Errorf("%s", poll.Message))
			}
			return poll, nil
		}

		if attempt < o.cfg.MaxPolls {
			if err := o.sleep(ctx, o.cfg.PollInterval); err != nil {
				return domain.GenerationPoll{}, reliability.NewClassified(reliability.ClassNetwork, err)
			}
		}
	}

	return domain.GenerationPoll{}, reliability.NewClassified(reliability.ClassTransient,
		fmt.Errorf("op=orchestrator.poll: request %s not finished after %d polls", requestID, o.cfg.MaxPolls))
}

// Run executes the full submit-then-poll flow for one item.
func (o *Orchestrator) Run(ctx context.Context, jobID string, req domain.GenerationRequest) (domain.GenerationPoll, error) {
	requestID, err := o.Submit(ctx, jobID, req)
	if err != nil {
		return domain.GenerationPoll{}, err
	}
	return o.PollUntilDone(ctx, jobID, req.Model, requestID)
}

// PendingRecovery exposes checkpoints of interrupted items.
func (o *Orchestrator) PendingRecovery() []checkpoint.Entry {
	return o.checkpoints.PendingRecovery()
}

func (o *Orchestrator) flow(jobID string) *flowlog.Logger {
	if o.cfg.FlowLogDir == "" {
		return nil
	}
	fl, err := flowlog.New(o.cfg.FlowLogDir, "job", jobID)
	if err != nil {
		slog.Warn("flow log unavailable", slog.String("job_id", jobID), slog.Any("error", err))
		return nil
	}
	return fl
}
