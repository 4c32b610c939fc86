package state

import (
	"sync"
	"time"
)

// CooldownTracker remembers when each dedup key last fired. Safe for concurrent use.
type CooldownTracker struct {
	mu    sync.Mutex
	fired map[string]time.Time
	now   func() time.Time
}

// NewCooldownTracker constructs a tracker. A nil clock defaults to time.Now.
func NewCooldownTracker(now func() time.Time) *CooldownTracker {
	if now == nil {
		now = time.Now
	}
	return &CooldownTracker{
		fired: make(map[string]time.Time),
		now:   now,
	}
}

// IsSuppressed reports whether key fired less than window ago. Keys that never fired are not suppressed.
func (t *CooldownTracker) IsSuppressed(key string, window time.Duration) bool {
	t.mu.Lock()
	last, ok := t.fired[key]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return t.now().Sub(last) < window
}

// MarkFired records key as fired at the given instant; a zero instant means now.
func (t *CooldownTracker) MarkFired(key string, at time.Time) {
	if at.IsZero() {
		at = t.now()
	}
	t.mu.Lock()
	t.fired[key] = at
	t.mu.Unlock()
}

// LastFired returns the last recorded instant for key.
func (t *CooldownTracker) LastFired(key string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.fired[key]
	return at, ok
}

// Reset forgets every key.
func (t *CooldownTracker) Reset() {
	t.mu.Lock()
	t.fired = make(map[string]time.Time)
	t.mu.Unlock()
}

// Sweep drops entries that fired at least maxAge ago and returns how many were removed.
// maxAge should be the largest window in use so no live suppression is lost.
func (t *CooldownTracker) Sweep(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, at := range t.fired {
		if now.Sub(at) >= maxAge {
			delete(t.fired, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *CooldownTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fired)
}
