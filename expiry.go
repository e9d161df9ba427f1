package orbit

import (
	"sync"
	"time"
)

// keyedTimers is a small debounced-expiry utility: at most one timer is ever
// active per key, and arming a key cancels and replaces any prior timer for
// it. Used for typing-indicator expiry and notification self-dismissal.
type keyedTimers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newKeyedTimers() *keyedTimers {
	return &keyedTimers{timers: make(map[string]*time.Timer)}
}

// Arm schedules fn to run after d, replacing any timer already armed for key.
// If the timer is cancelled or replaced before firing, fn never runs.
func (k *keyedTimers) Arm(key string, d time.Duration, fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if prev, ok := k.timers[key]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		k.mu.Lock()
		if k.timers[key] != t {
			// Replaced after firing was already committed; stale, drop it.
			k.mu.Unlock()
			return
		}
		delete(k.timers, key)
		k.mu.Unlock()
		fn()
	})
	k.timers[key] = t
}

// Cancel stops the timer armed for key, if any.
func (k *keyedTimers) Cancel(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t, ok := k.timers[key]; ok {
		t.Stop()
		delete(k.timers, key)
	}
}

// CancelAll stops every armed timer.
func (k *keyedTimers) CancelAll() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, t := range k.timers {
		t.Stop()
		delete(k.timers, key)
	}
}
