package logging

import (
	"sync"
	"time"
)

// Throttle limits how often a repeating condition is logged. Each key is
// allowed once per interval; calls in between are counted and reported
// with the next allowed one.
type Throttle struct {
	every time.Duration

	mu         sync.Mutex
	last       map[string]time.Time
	suppressed map[string]int
}

// NewThrottle allows one message per key and interval. An interval of zero
// allows everything.
func NewThrottle(every time.Duration) *Throttle {
	return &Throttle{
		every:      every,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// Allow reports whether key may be logged at now, and how many calls were
// suppressed since it was last allowed.
func (t *Throttle) Allow(key string, now time.Time) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.every {
		t.suppressed[key]++
		return false, 0
	}
	t.last[key] = now
	n := t.suppressed[key]
	delete(t.suppressed, key)
	return true, n
}
