// Package lockfile provides cross-process mutual exclusion via OS
// advisory lock files under a shared .locks/ directory. Even single
// process deployments benefit: recovery can run out-of-band.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
)

// pollInterval is how often a blocked Acquire re-attempts the lock.
const pollInterval = 100 * time.Millisecond

// Lock is a named advisory lock. The file descriptor stays open for the
// duration of the hold; the holder PID is written inside for diagnostics.
type Lock struct {
	name string
	path string
	fl   *flock.Flock
}

// New returns a lock named name under dir. The directory is created on
// first acquire.
func New(dir, name string) *Lock {
	path := filepath.Join(dir, name+".lock")
	return &Lock{name: name, path: path, fl: flock.New(path)}
}

// JobLock guards the worker job-claim critical section.
func JobLock(dir string) *Lock { return New(dir, "jobs") }

// PipelineLock guards state transitions of one pipeline.
func PipelineLock(dir, pipelineID string) *Lock {
	return New(dir, fmt.Sprintf("pipeline_%s", pipelineID))
}

// Name returns the logical lock name.
func (l *Lock) Name() string { return l.name }

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire blocks until the exclusive lock is held or timeout elapses.
// Returns false on timeout, never an error for contention.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("op=lock.acquire: %w", err)
	}
	lockCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ok, err := l.fl.TryLockContext(lockCtx, pollInterval)
	if err != nil {
		if lockCtx.Err() != nil {
			return false, nil // timed out or canceled while polling
		}
		return false, fmt.Errorf("op=lock.acquire: %w", err)
	}
	if !ok {
		return false, nil
	}
	// Best effort: record the holder PID for post-mortem diagnostics.
	_ = os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	return true, nil
}

// Release drops the lock. Safe to call when not held.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}

// Locked reports whether this process currently holds the lock.
func (l *Lock) Locked() bool { return l.fl.Locked() }

// WithLock runs fn while holding the lock, releasing it afterwards.
func (l *Lock) WithLock(ctx context.Context, timeout time.Duration, fn func() error) error {
	ok, err := l.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("op=lock.with: acquire %q timed out after %v", l.name, timeout)
	}
	defer func() { _ = l.Release() }()
	return fn()
}
