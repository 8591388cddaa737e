package flowlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readEvents(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer func() { _ = f.Close() }()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestRequiredFieldsOnEveryLine(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "batch", "b42")
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Submit("item_1", "fal", "wan22", map[string]any{"quantity": 3}); err != nil {
		t.Fatal(err)
	}
	if err := l.Poll("item_1", "req-7", "IN_QUEUE", 2); err != nil {
		t.Fatal(err)
	}
	if err := l.Retry("item_1", 1, "RATE_LIMIT", 1500*time.Millisecond, errors.New("429")); err != nil {
		t.Fatal(err)
	}
	if err := l.Result("item_1", "https://cdn/out.png", nil); err != nil {
		t.Fatal(err)
	}
	if err := l.Error("item_2", errors.New("provider down"), nil); err != nil {
		t.Fatal(err)
	}
	if err := l.Complete("finalize", map[string]any{"completed": 2, "failed": 1}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	events := readEvents(t, filepath.Join(dir, "batch-b42.jsonl"))
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6", len(events))
	}
	for i, ev := range events {
		for _, key := range []string{"ts", "flow_type", "flow_id", "step", "action", "status"} {
			if _, ok := ev[key]; !ok {
				t.Errorf("event %d missing %q: %v", i, key, ev)
			}
		}
		if ev["flow_type"] != "batch" || ev["flow_id"] != "b42" {
			t.Errorf("event %d identity = %v/%v", i, ev["flow_type"], ev["flow_id"])
		}
		if _, err := time.Parse(time.RFC3339Nano, ev["ts"].(string)); err != nil {
			t.Errorf("event %d ts not RFC3339: %v", i, ev["ts"])
		}
	}

	if events[2]["class"] != "RATE_LIMIT" || events[2]["cause"] != "429" {
		t.Errorf("retry event = %v", events[2])
	}
	if events[4]["status"] != "failed" || events[4]["error"] != "provider down" {
		t.Errorf("error event = %v", events[4])
	}
	if events[5]["action"] != "complete" {
		t.Errorf("complete event = %v", events[5])
	}
}

func TestReservedKeysNotOverridable(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "batch", "b1")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Close() }()

	err = l.Log(Event{Step: "s", Action: "progress", Status: "running",
		Extra: map[string]any{"flow_id": "spoofed", "pct": 50}})
	if err != nil {
		t.Fatal(err)
	}
	events := readEvents(t, filepath.Join(dir, "batch-b1.jsonl"))
	if events[0]["flow_id"] != "b1" {
		t.Errorf("flow_id overridden to %v", events[0]["flow_id"])
	}
	if events[0]["pct"] != float64(50) {
		t.Errorf("extra key dropped: %v", events[0])
	}
}

func TestRotationAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "batch", "big")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Close() }()

	// Force the live file to sit at the limit, then log once more.
	l.size = maxFileSize
	if err := l.Progress("s", map[string]any{"n": 1}); err != nil {
		t.Fatalf("log across rotation: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var live, rotated int
	for _, e := range entries {
		switch {
		case e.Name() == "batch-big.jsonl":
			live++
		case strings.HasPrefix(e.Name(), "batch-big.") && strings.HasSuffix(e.Name(), ".jsonl"):
			rotated++
		}
	}
	if live != 1 || rotated != 1 {
		t.Errorf("files after rotation: live=%d rotated=%d (%v)", live, rotated, entries)
	}

	events := readEvents(t, filepath.Join(dir, "batch-big.jsonl"))
	if len(events) != 1 {
		t.Errorf("fresh file should hold the post-rotation event, got %d", len(events))
	}
}

func TestLogAfterCloseFails(t *testing.T) {
	l, err := New(t.TempDir(), "batch", "b1")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second close must be a no-op: %v", err)
	}
	if err := l.Progress("s", nil); err == nil {
		t.Error("log after close must fail")
	}
}
