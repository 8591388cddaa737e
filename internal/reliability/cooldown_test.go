package reliability

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCooldownSchedule(t *testing.T) {
	tr := NewCooldownTracker("")
	base := time.Now()
	tr.now = func() time.Time { return base }

	want := []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second, 3600 * time.Second}
	for i, w := range want {
		tr.RecordFailure("E", errors.New("boom"))
		got := tr.Remaining("E")
		if got != w {
			t.Errorf("after %d failures remaining = %v, want %v", i+1, got, w)
		}
	}
	// Fifth and later failures cap at the last schedule entry.
	tr.RecordFailure("E", nil)
	tr.RecordFailure("E", nil)
	if got := tr.Remaining("E"); got != 86400*time.Second {
		t.Errorf("capped remaining = %v, want 24h", got)
	}
}

func TestCooldownSuccessClears(t *testing.T) {
	tr := NewCooldownTracker("")
	for i := 0; i < 4; i++ {
		tr.RecordFailure("E", errors.New("x"))
	}
	tr.RecordSuccess("E")
	if tr.InCooldown("E") {
		t.Fatal("success must clear cooldown")
	}
	s, ok := tr.State("E")
	if !ok || s.ConsecutiveFailures != 0 {
		t.Errorf("consecutive = %d, want 0", s.ConsecutiveFailures)
	}
	if s.TotalFailures != 4 || s.TotalSuccesses != 1 {
		t.Errorf("totals = %d/%d", s.TotalFailures, s.TotalSuccesses)
	}
}

func TestCooldownEligible(t *testing.T) {
	tr := NewCooldownTracker("")
	tr.RecordFailure("bad", nil)
	got := tr.Eligible([]string{"bad", "good", "unseen"})
	if len(got) != 2 {
		t.Fatalf("eligible = %v", got)
	}
	for _, id := range got {
		if id == "bad" {
			t.Error("entity in cooldown must be filtered out")
		}
	}
}

func TestCooldownPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns", "entities.json")
	tr := NewCooldownTracker(path)
	tr.RecordFailure("E", errors.New("remote exploded"))

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("state file not written: %v", err)
	}

	reloaded := NewCooldownTracker(path)
	s, ok := reloaded.State("E")
	if !ok {
		t.Fatal("state lost across reload")
	}
	if s.ConsecutiveFailures != 1 || s.LastError != "remote exploded" {
		t.Errorf("reloaded state = %+v", s)
	}
	if !reloaded.InCooldown("E") {
		t.Error("cooldown must survive reload")
	}
}

func TestCooldownCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	tr := NewCooldownTracker(path)
	if _, ok := tr.State("anything"); ok {
		t.Error("corrupt file must yield empty map")
	}
}

func TestScheduleFor(t *testing.T) {
	if _, err := ScheduleFor(0); err == nil {
		t.Error("expected error for zero failures")
	}
	d, err := ScheduleFor(3)
	if err != nil || d != 900*time.Second {
		t.Errorf("ScheduleFor(3) = %v, %v", d, err)
	}
	d, _ = ScheduleFor(99)
	if d != 86400*time.Second {
		t.Errorf("ScheduleFor(99) = %v, want cap", d)
	}
}
