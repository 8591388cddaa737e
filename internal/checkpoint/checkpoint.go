// Package checkpoint implements an append-only JSON-lines write-ahead
// log with an in-memory index, used for crash recovery. Entries are
// written before external side effects and after them; the newest entry
// per id is the truth.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Checkpoint status vocabulary.
const (
	StatusStarted    = "started"
	StatusRunning    = "running"
	StatusInProgress = "in_progress"
	StatusSubmitted  = "submitted"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRecovering = "recovering"
	StatusClaimed    = "claimed"
)

// Entry is one durable state-change record.
type Entry struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Step      int            `json:"step"`
	Timestamp time.Time      `json:"timestamp"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Manager appends to <name>.jsonl and maintains <name>.index.json with
// the latest entry per id. One in-process mutex guards index mutation
// and file append.
type Manager struct {
	mu    sync.Mutex
	dir   string
	name  string
	f     *os.File
	index map[string]Entry
	now   func() time.Time
}

// NewManager opens (or creates) the log for a logical domain and loads
// the index, rebuilding it by scanning the log when the sidecar is
// missing or corrupt.
func NewManager(dir, name string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=checkpoint.new: %w", err)
	}
	m := &Manager{dir: dir, name: name, index: map[string]Entry{}, now: time.Now}

	f, err := os.OpenFile(m.logPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("op=checkpoint.new: %w", err)
	}
	m.f = f

	if err := m.loadIndex(); err != nil {
		slog.Warn("checkpoint index unusable; rebuilding from log",
			slog.String("name", name), slog.Any("error", err))
		if err := m.rebuildIndex(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) logPath() string   { return filepath.Join(m.dir, m.name+".jsonl") }
func (m *Manager) indexPath() string { return filepath.Join(m.dir, m.name+".index.json") }

func (m *Manager) loadIndex() error {
	b, err := os.ReadFile(m.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return m.rebuildIndex()
		}
		return err
	}
	var idx map[string]Entry
	if err := json.Unmarshal(b, &idx); err != nil {
		return err
	}
	m.index = idx
	return nil
}

func (m *Manager) rebuildIndex() error {
	m.index = map[string]Entry{}
	f, err := os.Open(m.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("op=checkpoint.rebuild: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Torn tail line after a crash: ignore and keep scanning.
			continue
		}
		m.index[e.ID] = e
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("op=checkpoint.rebuild: %w", err)
	}
	return m.persistIndexLocked()
}

// Write appends an entry, fsyncs, and updates the index. The step
// counter continues from the id's latest entry.
func (m *Manager) Write(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("op=checkpoint.write: id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.index[e.ID]; ok && e.Step == 0 {
		e.Step = prev.Step + 1
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now().UTC()
	}

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=checkpoint.write: %w", err)
	}
	if _, err := m.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("op=checkpoint.write: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("op=checkpoint.write: %w", err)
	}

	m.index[e.ID] = e
	return m.persistIndexLocked()
}

func (m *Manager) persistIndexLocked() error {
	b, err := json.Marshal(m.index)
	if err != nil {
		return fmt.Errorf("op=checkpoint.index: %w", err)
	}
	tmp := m.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("op=checkpoint.index: %w", err)
	}
	if err := os.Rename(tmp, m.indexPath()); err != nil {
		return fmt.Errorf("op=checkpoint.index: %w", err)
	}
	return nil
}

// Latest returns the newest entry for id.
func (m *Manager) Latest(id string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[id]
	return e, ok
}

// PendingRecovery returns the latest entries whose status indicates
// interrupted work ({started, running, in_progress}).
func (m *Manager) PendingRecovery() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.index {
		switch e.Status {
		case StatusStarted, StatusRunning, StatusInProgress:
			out = append(out, e)
		}
	}
	return out
}

// Compact rewrites the log keeping only the latest entry per id.
func (m *Manager) Compact() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmp := m.logPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("op=checkpoint.compact: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range m.index {
		b, err := json.Marshal(e)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("op=checkpoint.compact: %w", err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			_ = f.Close()
			return fmt.Errorf("op=checkpoint.compact: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("op=checkpoint.compact: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("op=checkpoint.compact: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("op=checkpoint.compact: %w", err)
	}

	if err := m.f.Close(); err != nil {
		return fmt.Errorf("op=checkpoint.compact: %w", err)
	}
	if err := os.Rename(tmp, m.logPath()); err != nil {
		return fmt.Errorf("op=checkpoint.compact: %w", err)
	}
	nf, err := os.OpenFile(m.logPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("op=checkpoint.compact: %w", err)
	}
	m.f = nf
	return nil
}

// Close releases the log file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}
