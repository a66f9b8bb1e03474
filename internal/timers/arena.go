// Package timers provides a keyed arena of cancellable one-shot timers.
// Typing TTLs, batch flush windows and debounce windows all run through one
// arena so room leave and engine teardown can cancel everything they own
// without leaking a timer.
package timers

import (
	"strings"
	"sync"
	"time"
)

// Arena owns a set of named timers. Keys are free-form; the convention is
// "<component>:<roomID>" or "<component>:<roomID>:<userID>" so CancelPrefix
// can sweep a whole room.
type Arena struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewArena() *Arena {
	return &Arena{timers: make(map[string]*time.Timer)}
}

// Set schedules fn after d under key, replacing any timer already scheduled
// under the same key. fn runs on the timer goroutine; the arena removes the
// key before invoking it.
func (a *Arena) Set(key string, d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if t, ok := a.timers[key]; ok {
		t.Stop()
	}
	a.timers[key] = time.AfterFunc(d, func() {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		delete(a.timers, key)
		a.mu.Unlock()
		fn()
	})
}

// Active reports whether a timer is currently scheduled under key.
func (a *Arena) Active(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[key]
	return ok
}

// Cancel stops and removes the timer under key. It is a no-op when no timer
// is scheduled.
func (a *Arena) Cancel(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[key]; ok {
		t.Stop()
		delete(a.timers, key)
	}
}

// CancelPrefix stops and removes every timer whose key starts with prefix.
func (a *Arena) CancelPrefix(prefix string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, t := range a.timers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(a.timers, key)
		}
	}
}

// Stop cancels every timer and rejects further Set calls.
func (a *Arena) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for key, t := range a.timers {
		t.Stop()
		delete(a.timers, key)
	}
}
