package wavelink

import (
	"fmt"
	"sort"
	"sync"
)

// ============================================================================
// ConversationIndex
// ============================================================================

// Preview is the denormalized last-message summary used for list
// rendering. Ts is the ordering key; Time is a pre-formatted display
// string the UI shows verbatim.
type Preview struct {
	Text string `json:"text"`
	Time string `json:"time"`
	Ts   int64  `json:"ts"`
}

// ConversationIndex holds the per-conversation list state: preview,
// pin/hide/mute flags, display names and deleted-at cutoffs. The maps
// are never handed out; all mutation goes through the methods here.
type ConversationIndex struct {
	mu        sync.RWMutex
	previews  map[int]Preview
	names     map[int]string
	pinned    map[int]bool
	hidden    map[int]bool
	muted     map[int]bool
	deletedAt map[int]int64
}

// NewConversationIndex creates an empty index.
func NewConversationIndex() *ConversationIndex {
	return &ConversationIndex{
		previews:  make(map[int]Preview),
		names:     make(map[int]string),
		pinned:    make(map[int]bool),
		hidden:    make(map[int]bool),
		muted:     make(map[int]bool),
		deletedAt: make(map[int]int64),
	}
}

// SetPreview stores a preview for the key unless a newer one is already
// present. Summaries can arrive out of order (overview fetch racing a
// live push); the Ts comparison keeps the newest one regardless.
// Returns whether the preview was applied.
func (x *ConversationIndex) SetPreview(key int, p Preview) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if cur, ok := x.previews[key]; ok && p.Ts < cur.Ts {
		return false
	}
	x.previews[key] = p
	return true
}

// ClearPreview removes the key's preview (log emptied or deleted).
func (x *ConversationIndex) ClearPreview(key int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.previews, key)
}

// Preview returns the key's preview if one exists.
func (x *ConversationIndex) Preview(key int) (Preview, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.previews[key]
	return p, ok
}

// SetName records a display name (group title, peer name) for the key.
func (x *ConversationIndex) SetName(key int, name string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if name == "" {
		delete(x.names, key)
		return
	}
	x.names[key] = name
}

// Name returns the key's display name, "" if unknown.
func (x *ConversationIndex) Name(key int) string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.names[key]
}

// ── Flags ────────────────────────────────────────────────

func (x *ConversationIndex) SetPinned(key int, v bool) { x.setFlag(x.pinned, key, v) }
func (x *ConversationIndex) SetHidden(key int, v bool) { x.setFlag(x.hidden, key, v) }
func (x *ConversationIndex) SetMuted(key int, v bool)  { x.setFlag(x.muted, key, v) }

func (x *ConversationIndex) Pinned(key int) bool { return x.flag(x.pinned, key) }
func (x *ConversationIndex) Hidden(key int) bool { return x.flag(x.hidden, key) }
func (x *ConversationIndex) Muted(key int) bool  { return x.flag(x.muted, key) }

func (x *ConversationIndex) setFlag(m map[int]bool, key int, v bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if v {
		m[key] = true
	} else {
		delete(m, key)
	}
}

func (x *ConversationIndex) flag(m map[int]bool, key int) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return m[key]
}

// ── Deletion ─────────────────────────────────────────────

// MarkDeleted clears the key's preview and records the cutoff. History
// fetched from before the cutoff must not be resurrected; the engine
// filters fetched pages against DeletedAt.
func (x *ConversationIndex) MarkDeleted(key int, ts int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.previews, key)
	if ts > x.deletedAt[key] {
		x.deletedAt[key] = ts
	}
}

// DeletedAt returns the key's deletion cutoff, 0 if never deleted.
func (x *ConversationIndex) DeletedAt(key int) int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.deletedAt[key]
}

// Forget removes the key from every map — preview, name, all flags —
// while keeping the deletion cutoff as the resurrection guard. Used for
// group_leave, where the conversation must vanish entirely.
func (x *ConversationIndex) Forget(key int, ts int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.previews, key)
	delete(x.names, key)
	delete(x.pinned, key)
	delete(x.hidden, key)
	delete(x.muted, key)
	if ts > x.deletedAt[key] {
		x.deletedAt[key] = ts
	}
}

// ── Sorting ──────────────────────────────────────────────

// SortedKeys returns the renderable conversation keys: every key with a
// preview that is not hidden, pinned ones first, then most recent
// activity first. Ties are stable (ascending key).
func (x *ConversationIndex) SortedKeys() []int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	keys := make([]int, 0, len(x.previews))
	for k := range x.previews {
		if x.hidden[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Ints(keys)
	sort.SliceStable(keys, func(i, j int) bool {
		ki, kj := keys[i], keys[j]
		if x.pinned[ki] != x.pinned[kj] {
			return x.pinned[ki]
		}
		return x.previews[ki].Ts > x.previews[kj].Ts
	})
	return keys
}

// ── Persistence ──────────────────────────────────────────

// storedFlags is the serialized per-key flag record.
type storedFlags struct {
	Pinned    bool  `json:"pinned,omitempty"`
	Hidden    bool  `json:"hidden,omitempty"`
	Muted     bool  `json:"muted,omitempty"`
	DeletedAt int64 `json:"deletedAt,omitempty"`
}

func (x *ConversationIndex) snapshotPreviews() map[string]Preview {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]Preview, len(x.previews))
	for k, p := range x.previews {
		out[fmt.Sprintf("%d", k)] = p
	}
	return out
}

func (x *ConversationIndex) snapshotFlags() map[string]storedFlags {
	x.mu.RLock()
	defer x.mu.RUnlock()

	keys := make(map[int]struct{})
	for k := range x.pinned {
		keys[k] = struct{}{}
	}
	for k := range x.hidden {
		keys[k] = struct{}{}
	}
	for k := range x.muted {
		keys[k] = struct{}{}
	}
	for k := range x.deletedAt {
		keys[k] = struct{}{}
	}

	out := make(map[string]storedFlags, len(keys))
	for k := range keys {
		out[fmt.Sprintf("%d", k)] = storedFlags{
			Pinned:    x.pinned[k],
			Hidden:    x.hidden[k],
			Muted:     x.muted[k],
			DeletedAt: x.deletedAt[k],
		}
	}
	return out
}

func (x *ConversationIndex) restore(previews map[int]Preview, flags map[int]storedFlags) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.previews = make(map[int]Preview, len(previews))
	for k, p := range previews {
		x.previews[k] = p
	}
	x.pinned = make(map[int]bool)
	x.hidden = make(map[int]bool)
	x.muted = make(map[int]bool)
	x.deletedAt = make(map[int]int64)
	for k, f := range flags {
		if f.Pinned {
			x.pinned[k] = true
		}
		if f.Hidden {
			x.hidden[k] = true
		}
		if f.Muted {
			x.muted[k] = true
		}
		if f.DeletedAt > 0 {
			x.deletedAt[k] = f.DeletedAt
		}
	}
}
