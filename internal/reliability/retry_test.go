package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    maxAttempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryableClasses: []ErrorClass{
			ClassNetwork, ClassRateLimit, ClassTransient, ClassUnknown,
		},
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, res := Retry(context.Background(), fastRetryConfig(5), "test", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &ProviderError{StatusCode: 429, Provider: "p", Message: "rate limit"}
		}
		return "ok", nil
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if v != "ok" || res.Attempts != 3 {
		t.Errorf("v=%q attempts=%d", v, res.Attempts)
	}
	// The last classified error before success was RATE_LIMIT.
	if res.Class != ClassRateLimit {
		t.Errorf("class = %s, want RATE_LIMIT", res.Class)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, res := Retry(context.Background(), DefaultRetryConfig(), "test", func(context.Context) (int, error) {
		calls++
		return 0, &ProviderError{StatusCode: 401, Provider: "p", Message: "unauthorized"}
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on PERMANENT)", calls)
	}
	if res.Class != ClassPermanent {
		t.Errorf("class = %s", res.Class)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("connection refused timeout")
	_, res := Retry(context.Background(), fastRetryConfig(3), "test", func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if res.Success || calls != 3 || res.Attempts != 3 {
		t.Fatalf("calls=%d res=%+v", calls, res)
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestRetryDelayBound(t *testing.T) {
	cfg := fastRetryConfig(4)
	_, res := Retry(context.Background(), cfg, "test", func(context.Context) (int, error) {
		return 0, errors.New("timeout")
	})
	// Total slept delay is bounded by MaxAttempts * MaxDelay.
	if limit := time.Duration(cfg.MaxAttempts) * cfg.MaxDelay; res.TotalDelay > limit {
		t.Errorf("total delay %v exceeds bound %v", res.TotalDelay, limit)
	}
}

func TestRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: time.Minute, Multiplier: 2, JitterFraction: 0.1}
	done := make(chan RetryResult, 1)
	go func() {
		_, res := Retry(ctx, cfg, "test", func(context.Context) (int, error) {
			return 0, errors.New("timeout")
		})
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case res := <-done:
		if res.Success {
			t.Fatal("expected failure after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}
