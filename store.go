package wavelink

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Message normalization
// ============================================================================

// wireMessage tolerates the loose shapes the backend and the push channel
// emit: id may be a string or a number, timestamps may be explicit
// milliseconds or an ISO string.
type wireMessage struct {
	ID          json.RawMessage `json:"id"`
	SenderUID   int             `json:"senderUid"`
	TargetUID   int             `json:"targetUid"`
	TargetType  TargetType      `json:"targetType"`
	Content     string          `json:"content"`
	CreatedAt   string          `json:"createdAt"`
	CreatedAtMs int64           `json:"createdAtMs"`
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// NormalizeMessage converts a raw server payload into a Message. The
// original payload is retained in Raw. Messages without a usable id are
// rejected — they cannot participate in dedup.
func NormalizeMessage(raw json.RawMessage) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("malformed message payload: %w", err)
	}

	id, err := normalizeID(w.ID)
	if err != nil {
		return Message{}, err
	}

	ms := w.CreatedAtMs
	if ms <= 0 && w.CreatedAt != "" {
		for _, layout := range createdAtLayouts {
			if t, perr := time.Parse(layout, w.CreatedAt); perr == nil {
				ms = t.UnixMilli()
				break
			}
		}
	}
	if ms <= 0 {
		ms = time.Now().UnixMilli()
	}

	return Message{
		ID:          id,
		SenderUID:   w.SenderUID,
		TargetUID:   w.TargetUID,
		TargetType:  w.TargetType,
		Content:     w.Content,
		CreatedAt:   w.CreatedAt,
		CreatedAtMs: ms,
		Raw:         raw,
	}, nil
}

// normalizeID flattens a string-or-number wire id to its string form.
func normalizeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("message has no id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("message has empty id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("message id is neither string nor number: %s", string(raw))
}

// ============================================================================
// MessageStore
// ============================================================================

// bucket is one conversation's ordered log plus its id membership set.
// The set and the slice are always mutated together and never exposed.
type bucket struct {
	msgs    []Message
	ids     map[string]struct{}
	loading bool
	hasMore bool
}

// InsertResult reports what a merge contributed.
type InsertResult struct {
	Added int
	Last  *Message // new last element of the log, nil if the log is empty
}

// MessageStore owns the per-conversation message logs. All access goes
// through its methods; the log invariants (ascending CreatedAtMs, stable
// ties, id uniqueness, id-set/log sync) hold between any two calls.
type MessageStore struct {
	mu      sync.RWMutex
	buckets map[int]*bucket
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{buckets: make(map[int]*bucket)}
}

// EnsureBucket creates the empty log, id-set and default flags for a key.
// Idempotent: an existing bucket is left untouched.
func (s *MessageStore) EnsureBucket(key int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(key)
}

func (s *MessageStore) ensureLocked(key int) *bucket {
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{ids: make(map[string]struct{}), hasMore: true}
		s.buckets[key] = b
	}
	return b
}

// Insert normalizes a batch of raw payloads and merges them into the
// key's log. Payloads that fail normalization are dropped.
func (s *MessageStore) Insert(key int, raws []json.RawMessage, prepend bool) InsertResult {
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		m, err := NormalizeMessage(raw)
		if err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return s.InsertMessages(key, msgs, prepend)
}

// InsertMessages merges already-normalized messages into the key's log.
// Duplicates — within the batch or against the existing log — are
// filtered by id. A batch that contributes nothing is a complete no-op.
// Historical pages merge at the front (prepend), realtime and sends at
// the back; either way the log is re-ordered by CreatedAtMs with a
// stable sort so ties keep arrival order.
func (s *MessageStore) InsertMessages(key int, msgs []Message, prepend bool) InsertResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.ensureLocked(key)

	fresh := make([]Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := b.ids[m.ID]; dup {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return InsertResult{Last: lastOf(b.msgs)}
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CreatedAtMs < fresh[j].CreatedAtMs
	})

	if prepend {
		b.msgs = append(fresh, b.msgs...)
	} else {
		b.msgs = append(b.msgs, fresh...)
	}
	sort.SliceStable(b.msgs, func(i, j int) bool {
		return b.msgs[i].CreatedAtMs < b.msgs[j].CreatedAtMs
	})

	for _, m := range fresh {
		b.ids[m.ID] = struct{}{}
	}

	return InsertResult{Added: len(fresh), Last: lastOf(b.msgs)}
}

// Remove deletes one message by id. The returned Message pointer is the
// new last element (nil if the log emptied), so callers can recompute
// the conversation preview when the deleted message was the latest one.
func (s *MessageStore) Remove(key int, id string) (bool, *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		return false, nil
	}
	if _, ok := b.ids[id]; !ok {
		return false, lastOf(b.msgs)
	}
	delete(b.ids, id)
	for i := range b.msgs {
		if b.msgs[i].ID == id {
			b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
			break
		}
	}
	return true, lastOf(b.msgs)
}

// Drop discards a conversation's entire log and flags.
func (s *MessageStore) Drop(key int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
}

// Messages returns a copy of the key's log.
func (s *MessageStore) Messages(key int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[key]
	if !ok {
		return nil
	}
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// Has reports whether the key's log contains the id.
func (s *MessageStore) Has(key int, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[key]
	if !ok {
		return false
	}
	_, ok = b.ids[id]
	return ok
}

// Len returns the key's log length.
func (s *MessageStore) Len(key int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[key]
	if !ok {
		return 0
	}
	return len(b.msgs)
}

// Keys lists every conversation key with a bucket, sorted ascending.
func (s *MessageStore) Keys() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]int, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// BeforeID returns the pagination cursor for the key: the id of the
// oldest loaded message, or "" when nothing is loaded yet.
func (s *MessageStore) BeforeID(key int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[key]
	if !ok || len(b.msgs) == 0 {
		return ""
	}
	return b.msgs[0].ID
}

// Loading reports whether a history fetch is in flight for the key.
func (s *MessageStore) Loading(key int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[key]
	return ok && b.loading
}

// SetLoading flips the in-flight flag for the key.
func (s *MessageStore) SetLoading(key int, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(key).loading = v
}

// HasMore reports whether older history may still exist for the key.
func (s *MessageStore) HasMore(key int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[key]
	if !ok {
		return true
	}
	return b.hasMore
}

// SetHasMore records cursor exhaustion for the key.
func (s *MessageStore) SetHasMore(key int, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(key).hasMore = v
}

// Search scans cached message content for a substring match. A zero key
// searches every conversation.
func (s *MessageStore) Search(query string, key int, limit int) []Message {
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Message
	for k, b := range s.buckets {
		if key != 0 && k != key {
			continue
		}
		for _, m := range b.msgs {
			if strings.Contains(strings.ToLower(m.Content), q) {
				results = append(results, m)
				if len(results) >= limit {
					return results
				}
			}
		}
	}
	return results
}

// snapshot exports every log for persistence. Keys are stringified
// because they become JSON object keys.
func (s *MessageStore) snapshot() map[string][]Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Message, len(s.buckets))
	for k, b := range s.buckets {
		msgs := make([]Message, len(b.msgs))
		copy(msgs, b.msgs)
		out[fmt.Sprintf("%d", k)] = msgs
	}
	return out
}

// restore replaces the store contents from a persisted snapshot. Entries
// arrive pre-sanitized; restore still rebuilds id-sets and re-sorts so
// the invariants hold regardless of what was on disk.
func (s *MessageStore) restore(logs map[int][]Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[int]*bucket, len(logs))
	for key, msgs := range logs {
		b := &bucket{ids: make(map[string]struct{}, len(msgs)), hasMore: true}
		for _, m := range msgs {
			if m.ID == "" {
				continue
			}
			if _, dup := b.ids[m.ID]; dup {
				continue
			}
			b.ids[m.ID] = struct{}{}
			b.msgs = append(b.msgs, m)
		}
		sort.SliceStable(b.msgs, func(i, j int) bool {
			return b.msgs[i].CreatedAtMs < b.msgs[j].CreatedAtMs
		})
		s.buckets[key] = b
	}
}

func lastOf(msgs []Message) *Message {
	if len(msgs) == 0 {
		return nil
	}
	m := msgs[len(msgs)-1]
	return &m
}
