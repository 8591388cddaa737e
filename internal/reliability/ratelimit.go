package reliability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lumenstudio/media-orchestrator/internal/observability"
)

// Limiter admits or rejects units of work. Acquire blocks cooperatively
// up to timeout and returns false instead of raising on exhaustion.
type Limiter interface {
	// TryAcquire admits n units immediately or returns false.
	TryAcquire(n int) bool
	// Acquire waits until n units are admitted or timeout elapses.
	// A zero timeout means try once. Returns false on timeout or
	// context cancellation, never an error.
	Acquire(ctx context.Context, n int, timeout time.Duration) bool
}

const acquirePollInterval = 25 * time.Millisecond

// SlidingWindowLimiter admits at most max events per rolling window. It
// keeps a timestamp deque and evicts entries older than the window.
type SlidingWindowLimiter struct {
	name   string
	max    int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time
	now    func() time.Time
}

// NewSlidingWindow constructs a sliding-window limiter.
func NewSlidingWindow(name string, max int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{name: name, max: max, window: window, now: time.Now}
}

func (l *SlidingWindowLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = l.stamps[i:]
	}
}

// TryAcquire admits n events if the window has room.
func (l *SlidingWindowLimiter) TryAcquire(n int) bool {
	if n <= 0 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.evictLocked(now)
	if len(l.stamps)+n > l.max {
		return false
	}
	for i := 0; i < n; i++ {
		l.stamps = append(l.stamps, now)
	}
	return true
}

// release undoes the most recent k admissions; used by MultiRateLimiter
// rollback when a sibling rejects.
func (l *SlidingWindowLimiter) release(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.stamps) {
		n = len(l.stamps)
	}
	l.stamps = l.stamps[:len(l.stamps)-n]
}

// Acquire waits for admission up to timeout.
func (l *SlidingWindowLimiter) Acquire(ctx context.Context, n int, timeout time.Duration) bool {
	return pollAcquire(ctx, l, l.name, n, timeout)
}

// InWindow reports the current number of admitted events (after eviction).
func (l *SlidingWindowLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.now())
	return len(l.stamps)
}

// TokenBucketLimiter replenishes tokens continuously at ratePerSec up to
// burst. Built on golang.org/x/time/rate.
type TokenBucketLimiter struct {
	name string
	lim  *rate.Limiter
}

// NewTokenBucket constructs a token-bucket limiter.
func NewTokenBucket(name string, ratePerSec float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{name: name, lim: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// TryAcquire consumes n tokens if available.
func (l *TokenBucketLimiter) TryAcquire(n int) bool {
	if n <= 0 {
		n = 1
	}
	return l.lim.AllowN(time.Now(), n)
}

func (l *TokenBucketLimiter) release(n int) {
	// The x/time bucket has no refund; rollback over-throttles slightly.
	_ = n
}

// Acquire waits until n tokens are available or timeout elapses.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, n int, timeout time.Duration) bool {
	if n <= 0 {
		n = 1
	}
	if timeout <= 0 {
		ok := l.TryAcquire(n)
		recordAcquire(l.name, ok)
		return ok
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := l.lim.WaitN(waitCtx, n); err != nil {
		recordAcquire(l.name, false)
		return false
	}
	recordAcquire(l.name, true)
	return true
}

// MultiRateLimiter admits only when every child admits. Children that
// already admitted are rolled back when a later child rejects.
type MultiRateLimiter struct {
	name     string
	children []Limiter
}

// NewMultiRateLimiter composes limiters; all must admit.
func NewMultiRateLimiter(name string, children ...Limiter) *MultiRateLimiter {
	return &MultiRateLimiter{name: name, children: children}
}

type releaser interface{ release(n int) }

// TryAcquire admits n on every child or none.
func (m *MultiRateLimiter) TryAcquire(n int) bool {
	admitted := make([]Limiter, 0, len(m.children))
	for _, c := range m.children {
		if !c.TryAcquire(n) {
			for _, a := range admitted {
				if r, ok := a.(releaser); ok {
					r.release(n)
				}
			}
			return false
		}
		admitted = append(admitted, c)
	}
	return true
}

// Acquire waits for unanimous admission up to timeout.
func (m *MultiRateLimiter) Acquire(ctx context.Context, n int, timeout time.Duration) bool {
	return pollAcquire(ctx, m, m.name, n, timeout)
}

// pollAcquire spins TryAcquire at a short interval until admission,
// timeout, or cancellation.
func pollAcquire(ctx context.Context, l interface{ TryAcquire(int) bool }, name string, n int, timeout time.Duration) bool {
	if l.TryAcquire(n) {
		recordAcquire(name, true)
		return true
	}
	if timeout <= 0 {
		recordAcquire(name, false)
		return false
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(acquirePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			recordAcquire(name, false)
			return false
		case <-ticker.C:
			if l.TryAcquire(n) {
				recordAcquire(name, true)
				return true
			}
			if time.Now().After(deadline) {
				recordAcquire(name, false)
				return false
			}
		}
	}
}

func recordAcquire(name string, ok bool) {
	outcome := "acquired"
	if !ok {
		outcome = "timeout"
	}
	observability.RateLimitWaits.WithLabelValues(name, outcome).Inc()
}
