package reliability

import (
	"context"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/lumenstudio/media-orchestrator/internal/observability"
)

// RetryConfig bounds a retried operation. RetryableClasses defaults to
// {NETWORK, RATE_LIMIT, TRANSIENT, UNKNOWN} when empty.
type RetryConfig struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterFraction   float64
	RetryableClasses []ErrorClass
}

// DefaultRetryConfig mirrors the submit-path policy: three attempts with
// a 2s base delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      2 * time.Second,
		MaxDelay:       300 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryableClasses: []ErrorClass{
			ClassNetwork, ClassRateLimit, ClassTransient,
		},
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 300 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if len(c.RetryableClasses) == 0 {
		c.RetryableClasses = []ErrorClass{ClassNetwork, ClassRateLimit, ClassTransient, ClassUnknown}
	}
	return c
}

func (c RetryConfig) classRetryable(class ErrorClass) bool {
	for _, rc := range c.RetryableClasses {
		if rc == class {
			return true
		}
	}
	return false
}

// RetryResult conveys the outcome of a retried operation.
type RetryResult struct {
	Success    bool
	Err        error
	Class      ErrorClass
	Attempts   int
	TotalDelay time.Duration
}

// Retry executes fn with classifier-driven exponential backoff with
// jitter. It stops early when the classified error is not in the
// retryable set, when attempts are exhausted, or when ctx is canceled.
// The total slept delay never exceeds MaxAttempts * MaxDelay.
func Retry[T any](ctx context.Context, cfg RetryConfig, op string, fn func(context.Context) (T, error)) (T, RetryResult) {
	cfg = cfg.normalized()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.BaseDelay
	expo.Multiplier = cfg.Multiplier
	expo.RandomizationFactor = cfg.JitterFraction
	expo.MaxInterval = cfg.MaxDelay
	expo.MaxElapsedTime = 0 // attempts bound the loop, not wall time
	expo.Reset()

	var zero T
	res := RetryResult{}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		v, err := fn(ctx)
		if err == nil {
			res.Success = true
			return v, res
		}

		res.Err = err
		res.Class = Classify(err)
		observability.RetryAttemptsTotal.WithLabelValues(string(res.Class)).Inc()

		if !cfg.classRetryable(res.Class) {
			slog.Debug("retry aborted on non-retryable class",
				slog.String("op", op),
				slog.String("class", string(res.Class)),
				slog.Int("attempt", attempt))
			return zero, res
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := expo.NextBackOff()
		if delay == backoff.Stop || delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		slog.Debug("retrying after delay",
			slog.String("op", op),
			slog.String("class", string(res.Class)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			res.Class = Classify(ctx.Err())
			return zero, res
		case <-time.After(delay):
			res.TotalDelay += delay
		}
	}
	return zero, res
}
