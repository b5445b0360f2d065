// internal/room/lockout.go
package room

import (
	"sync"
	"time"
)

// lockoutTable tracks per-client consecutive failed join attempts. Crossing
// the threshold denies further joins for the lockout window without any
// server round-trip; a successful join clears the counter.
type lockoutTable struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	entries   map[string]*lockoutEntry
}

type lockoutEntry struct {
	failures    int
	lockedUntil time.Time
	lastFailure time.Time
}

func newLockoutTable(threshold int, window time.Duration) *lockoutTable {
	return &lockoutTable{
		threshold: threshold,
		window:    window,
		entries:   make(map[string]*lockoutEntry),
	}
}

// locked reports whether clientID is currently denied, and for how much
// longer.
func (t *lockoutTable) locked(clientID string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[clientID]
	if !ok {
		return false, 0
	}
	remaining := time.Until(e.lockedUntil)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// fail records a failed join attempt and returns true if it tripped the
// lockout.
func (t *lockoutTable) fail(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[clientID]
	if !ok {
		e = &lockoutEntry{}
		t.entries[clientID] = e
	}
	e.failures++
	e.lastFailure = time.Now()
	if e.failures >= t.threshold {
		e.lockedUntil = time.Now().Add(t.window)
		return true
	}
	return false
}

// reset clears the counter after a successful join.
func (t *lockoutTable) reset(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, clientID)
}

// prune drops entries that are neither locked nor recently failing. Called
// from the engine's sweep.
func (t *lockoutTable) prune() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, e := range t.entries {
		if now.After(e.lockedUntil) && now.Sub(e.lastFailure) > t.window {
			delete(t.entries, id)
		}
	}
}
