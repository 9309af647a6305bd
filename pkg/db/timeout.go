package db

import (
	"sync"
	"time"
)

// Timeout is a single re-armable delayed callback. Arming it again replaces the pending
// callback; Clear and Close are safe whether or not anything is armed.
type Timeout struct {
	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool
}

// Set arms fn to run after d, cancelling any callback that is still pending.
func (t *Timeout) Set(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.stopLocked()
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		// A Clear or Set that raced the timer wins.
		if t.gen != gen || t.closed {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		fn()
	})
}

// Clear disarms the pending callback, if any.
func (t *Timeout) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Armed reports whether a callback is pending.
func (t *Timeout) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Close disarms the timeout for good; later Set calls are ignored.
func (t *Timeout) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.closed = true
}

func (t *Timeout) stopLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
