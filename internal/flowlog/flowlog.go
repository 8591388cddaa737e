// Package flowlog writes per-flow JSON-lines audit trails, one file per
// (flow type, flow id). Events are append-only and human-greppable; the
// structured service log stays in slog while these files reconstruct a
// single job's life.
package flowlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxFileSize triggers rotation; the live file is renamed with a
// timestamp suffix and a fresh one is started.
const maxFileSize = 10 * 1024 * 1024

// Event is one line in the flow log. Extra carries event-specific
// fields and is flattened into the JSON object.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	FlowType  string         `json:"flow_type"`
	FlowID    string         `json:"flow_id"`
	Step      string         `json:"step"`
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	Extra     map[string]any `json:"-"`
}

func (e Event) marshal() ([]byte, error) {
	obj := map[string]any{
		"ts":        e.Timestamp.UTC().Format(time.RFC3339Nano),
		"flow_type": e.FlowType,
		"flow_id":   e.FlowID,
		"step":      e.Step,
		"action":    e.Action,
		"status":    e.Status,
	}
	for k, v := range e.Extra {
		if _, reserved := obj[k]; !reserved {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

// Logger is a single-writer flow log for one flow instance.
type Logger struct {
	mu       sync.Mutex
	dir      string
	flowType string
	flowID   string
	f        *os.File
	size     int64
	closed   bool
	now      func() time.Time
}

// New opens (or appends to) the log for one flow.
func New(dir, flowType, flowID string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=flowlog.new: %w", err)
	}
	l := &Logger{dir: dir, flowType: flowType, flowID: flowID, now: time.Now}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) path() string {
	return filepath.Join(l.dir, fmt.Sprintf("%s-%s.jsonl", l.flowType, l.flowID))
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("op=flowlog.open: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("op=flowlog.open: %w", err)
	}
	l.f = f
	l.size = st.Size()
	return nil
}

func (l *Logger) rotateLocked() error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("op=flowlog.rotate: %w", err)
	}
	rotated := filepath.Join(l.dir, fmt.Sprintf("%s-%s.%s.jsonl",
		l.flowType, l.flowID, l.now().UTC().Format("20060102_150405")))
	if err := os.Rename(l.path(), rotated); err != nil {
		return fmt.Errorf("op=flowlog.rotate: %w", err)
	}
	return l.open()
}

// Log appends one event, stamping ts/flow_type/flow_id.
func (l *Logger) Log(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("op=flowlog.log: logger closed")
	}
	e.Timestamp = l.now()
	e.FlowType = l.flowType
	e.FlowID = l.flowID

	b, err := e.marshal()
	if err != nil {
		return fmt.Errorf("op=flowlog.log: %w", err)
	}
	line := append(b, '\n')
	if l.size+int64(len(line)) > maxFileSize {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := l.f.Write(line)
	if err != nil {
		return fmt.Errorf("op=flowlog.log: %w", err)
	}
	l.size += int64(n)
	return nil
}

// Submit records a generation request being handed to a provider.
func (l *Logger) Submit(step, provider, model string, extra map[string]any) error {
	e := Event{Step: step, Action: "submit", Status: "started", Extra: map[string]any{
		"provider": provider,
		"model":    model,
	}}
	for k, v := range extra {
		e.Extra[k] = v
	}
	return l.Log(e)
}

// Poll records one status poll against a provider.
func (l *Logger) Poll(step, requestID, remoteStatus string, attempt int) error {
	return l.Log(Event{Step: step, Action: "poll", Status: "running", Extra: map[string]any{
		"request_id":    requestID,
		"remote_status": remoteStatus,
		"attempt":       attempt,
	}})
}

// Progress records intermediate flow progress (items done, ETA moves).
func (l *Logger) Progress(step string, extra map[string]any) error {
	return l.Log(Event{Step: step, Action: "progress", Status: "running", Extra: extra})
}

// Retry records one retry decision.
func (l *Logger) Retry(step string, attempt int, class string, delay time.Duration, cause error) error {
	extra := map[string]any{
		"attempt":  attempt,
		"class":    class,
		"delay_ms": delay.Milliseconds(),
	}
	if cause != nil {
		extra["cause"] = cause.Error()
	}
	return l.Log(Event{Step: step, Action: "retry", Status: "running", Extra: extra})
}

// Result records a produced artifact.
func (l *Logger) Result(step string, url string, extra map[string]any) error {
	e := Event{Step: step, Action: "result", Status: "completed", Extra: map[string]any{"url": url}}
	for k, v := range extra {
		e.Extra[k] = v
	}
	return l.Log(e)
}

// Complete marks the flow finished.
func (l *Logger) Complete(step string, extra map[string]any) error {
	return l.Log(Event{Step: step, Action: "complete", Status: "completed", Extra: extra})
}

// Error marks a step failed.
func (l *Logger) Error(step string, cause error, extra map[string]any) error {
	e := Event{Step: step, Action: "error", Status: "failed", Extra: map[string]any{}}
	if cause != nil {
		e.Extra["error"] = cause.Error()
	}
	for k, v := range extra {
		e.Extra[k] = v
	}
	return l.Log(e)
}

// Close flushes and closes the underlying file. Further Log calls fail.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("op=flowlog.close: %w", err)
	}
	return nil
}
