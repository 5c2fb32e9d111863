package wavelink

import (
	"fmt"
	"sync"
)

// ============================================================================
// ReadTracker
// ============================================================================

// ReadTracker keeps the per-conversation last-read timestamp. Markers
// only move forward; the single exception is an explicit history
// deletion, which resets the marker to the deletion time so cleared
// messages can never count as unread again.
type ReadTracker struct {
	mu       sync.RWMutex
	lastRead map[int]int64
}

// NewReadTracker creates an empty tracker.
func NewReadTracker() *ReadTracker {
	return &ReadTracker{lastRead: make(map[int]int64)}
}

// MarkRead advances the key's marker to ts. A ts older than the current
// marker is ignored — the marker is monotone.
func (t *ReadTracker) MarkRead(key int, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts > t.lastRead[key] {
		t.lastRead[key] = ts
	}
}

// ResetForward sets the marker unconditionally. Only deletion paths call
// this; it is how "cleared after T" is reflected in read state.
func (t *ReadTracker) ResetForward(key int, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRead[key] = ts
}

// ReadAt returns the key's marker, 0 for keys never touched — a fresh
// conversation's whole history counts as unread until opened.
func (t *ReadTracker) ReadAt(key int) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRead[key]
}

// Forget drops the key's marker entirely (conversation left/removed).
func (t *ReadTracker) Forget(key int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastRead, key)
}

// UnreadIn derives the unread count for one key from a message log:
// foreign messages strictly newer than the marker. Used to seed counts
// at hydration; live bookkeeping is incremental (see SyncEngine).
func (t *ReadTracker) UnreadIn(key int, msgs []Message, selfUID int) int {
	readAt := t.ReadAt(key)
	n := 0
	for _, m := range msgs {
		if m.SenderUID != selfUID && m.CreatedAtMs > readAt {
			n++
		}
	}
	return n
}

// snapshot exports the markers for persistence.
func (t *ReadTracker) snapshot() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int64, len(t.lastRead))
	for k, v := range t.lastRead {
		out[fmt.Sprintf("%d", k)] = v
	}
	return out
}

// restore replaces the markers from a persisted snapshot.
func (t *ReadTracker) restore(markers map[int]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRead = make(map[int]int64, len(markers))
	for k, v := range markers {
		t.lastRead[k] = v
	}
}
