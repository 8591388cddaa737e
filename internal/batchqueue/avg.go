package batchqueue

import (
	"sync"
	"time"
)

// avgWindow is the number of recent item durations kept per model.
const avgWindow = 50

// avgTable tracks a moving average of item durations per model. It is
// process-global state: restarts start cold and the first completions
// re-seed it.
type avgTable struct {
	mu      sync.Mutex
	samples map[string][]int64
}

func newAvgTable() *avgTable {
	return &avgTable{samples: map[string][]int64{}}
}

// record adds one duration sample, evicting the oldest beyond the window.
func (t *avgTable) record(model string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := append(t.samples[model], d.Milliseconds())
	if len(s) > avgWindow {
		s = s[len(s)-avgWindow:]
	}
	t.samples[model] = s
}

// avgMS returns the current average in milliseconds, 0 when cold.
func (t *avgTable) avgMS(model string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.samples[model]
	if len(s) == 0 {
		return 0
	}
	var sum int64
	for _, v := range s {
		sum += v
	}
	return sum / int64(len(s))
}

// eta projects the finish time for remaining items, nil when cold.
func (t *avgTable) eta(model string, remaining int, now time.Time) *time.Time {
	avg := t.avgMS(model)
	if avg == 0 || remaining <= 0 {
		return nil
	}
	at := now.Add(time.Duration(avg*int64(remaining)) * time.Millisecond)
	return &at
}
