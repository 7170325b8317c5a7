// Package activation tracks how recently each lorebook or world entry was
// relevant to the story, so entries stay in context for a few turns after
// their last mention instead of flickering in and out.
//
// A Tracker is a plain in-memory map of id → story position. It does no I/O;
// callers persist [Tracker.Data] alongside the rest of the story state.
package activation

import (
	"maps"
	"sync"
)

// DefaultWindow is the default stickiness window, in story positions.
const DefaultWindow = 10

// Tracker records the last story position at which each id was activated.
// It is safe for concurrent use. Each story owns its own Tracker.
type Tracker struct {
	mu   sync.RWMutex
	last map[string]int
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{last: make(map[string]int)}
}

// Load replaces the tracker's contents with a copy of data.
func (t *Tracker) Load(data map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[string]int, len(data))
	maps.Copy(t.last, data)
}

// Record marks id as activated at position. An activation never moves
// backwards: recording an older position than the stored one is a no-op.
func (t *Tracker) Record(id string, position int) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		t.last = make(map[string]int)
	}
	if prev, ok := t.last[id]; ok && prev >= position {
		return
	}
	t.last[id] = position
}

// Last returns the last activation position of id.
func (t *Tracker) Last(id string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.last[id]
	return p, ok
}

// Active reports whether id was activated within window positions of
// current, that is current-last <= window.
func (t *Tracker) Active(id string, current, window int) bool {
	last, ok := t.Last(id)
	return ok && current-last <= window
}

// Prune removes every id whose last activation is more than maxAge positions
// before current. It returns the number of ids removed.
func (t *Tracker) Prune(current, maxAge int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, last := range t.last {
		if current-last > maxAge {
			delete(t.last, id)
			removed++
		}
	}
	return removed
}

// Data returns a copy of the id → position map.
func (t *Tracker) Data() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.last)
}

// Len returns the number of tracked ids.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.last)
}
