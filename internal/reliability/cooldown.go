package reliability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lumenstudio/media-orchestrator/internal/observability"
)

// cooldownSchedule maps consecutive failures 1..>=5 to hold durations.
var cooldownSchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	86400 * time.Second,
}

// CooldownState tracks failure history for one entity. Timestamps are
// serialized as RFC 3339.
type CooldownState struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	TotalFailures       int        `json:"total_failures"`
	TotalSuccesses      int        `json:"total_successes"`
	LastError           string     `json:"last_error,omitempty"`
}

// CooldownTracker imposes bounded waiting periods on failing entities.
// State is advisory: losing the file degrades politeness, not
// correctness. Safe for concurrent use.
type CooldownTracker struct {
	mu    sync.Mutex
	path  string // empty means in-memory only
	state map[string]*CooldownState
	now   func() time.Time
}

// NewCooldownTracker loads persisted state from path when it exists. An
// empty path disables persistence. A missing or corrupt file yields an
// empty map.
func NewCooldownTracker(path string) *CooldownTracker {
	t := &CooldownTracker{path: path, state: map[string]*CooldownState{}, now: time.Now}
	if path == "" {
		return t
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return t
	}
	var m map[string]*CooldownState
	if err := json.Unmarshal(b, &m); err != nil {
		slog.Warn("cooldown state file corrupt; starting empty",
			slog.String("path", path), slog.Any("error", err))
		return t
	}
	t.state = m
	return t
}

// RecordFailure increments the entity's consecutive-failure count and
// extends its cooldown per the schedule.
func (t *CooldownTracker) RecordFailure(id string, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(id)
	s.ConsecutiveFailures++
	s.TotalFailures++
	now := t.now()
	s.LastFailureAt = &now
	if cause != nil {
		s.LastError = cause.Error()
	}
	idx := s.ConsecutiveFailures
	if idx > len(cooldownSchedule) {
		idx = len(cooldownSchedule)
	}
	until := now.Add(cooldownSchedule[idx-1])
	s.CooldownUntil = &until
	t.persistLocked()
	t.gaugeLocked()
}

// RecordSuccess clears the entity's consecutive count and cooldown.
func (t *CooldownTracker) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(id)
	s.ConsecutiveFailures = 0
	s.TotalSuccesses++
	now := t.now()
	s.LastSuccessAt = &now
	s.CooldownUntil = nil
	s.LastError = ""
	t.persistLocked()
	t.gaugeLocked()
}

// InCooldown reports whether the entity is currently held back.
func (t *CooldownTracker) InCooldown(id string) bool {
	return t.Remaining(id) > 0
}

// Remaining returns how long the entity stays in cooldown, or zero.
func (t *CooldownTracker) Remaining(id string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[id]
	if !ok || s.CooldownUntil == nil {
		return 0
	}
	if d := s.CooldownUntil.Sub(t.now()); d > 0 {
		return d
	}
	return 0
}

// Eligible filters out ids whose cooldown has not yet expired.
func (t *CooldownTracker) Eligible(ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if s, ok := t.state[id]; ok && s.CooldownUntil != nil && s.CooldownUntil.After(now) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// State returns a copy of the entity's state and whether it exists.
func (t *CooldownTracker) State(id string) (CooldownState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[id]
	if !ok {
		return CooldownState{}, false
	}
	return *s, true
}

func (t *CooldownTracker) stateFor(id string) *CooldownState {
	s, ok := t.state[id]
	if !ok {
		s = &CooldownState{}
		t.state[id] = s
	}
	return s
}

func (t *CooldownTracker) persistLocked() {
	if t.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		slog.Error("cooldown persist mkdir failed", slog.Any("error", err))
		return
	}
	b, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		slog.Error("cooldown persist marshal failed", slog.Any("error", err))
		return
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		slog.Error("cooldown persist write failed", slog.Any("error", err))
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		slog.Error("cooldown persist rename failed", slog.Any("error", err))
	}
}

func (t *CooldownTracker) gaugeLocked() {
	now := t.now()
	active := 0
	for _, s := range t.state {
		if s.CooldownUntil != nil && s.CooldownUntil.After(now) {
			active++
		}
	}
	observability.CooldownActiveEntities.Set(float64(active))
}

// ScheduleFor returns the hold duration applied after the given
// consecutive-failure count.
func ScheduleFor(consecutiveFailures int) (time.Duration, error) {
	if consecutiveFailures < 1 {
		return 0, fmt.Errorf("consecutive failures must be >= 1, got %d", consecutiveFailures)
	}
	if consecutiveFailures > len(cooldownSchedule) {
		consecutiveFailures = len(cooldownSchedule)
	}
	return cooldownSchedule[consecutiveFailures-1], nil
}
