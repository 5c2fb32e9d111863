package wavelink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Storage
// ============================================================================

// Storage is the durable key/value contract: namespaced string keys,
// JSON-serializable blob values. Get returns (nil, nil) for a missing
// key — absence is not an error.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Blob keys used by the engine.
const (
	storageKeyMessages  = "wavelink:messages"
	storageKeyReadState = "wavelink:readstate"
	storageKeyPreviews  = "wavelink:previews"
	storageKeyFlags     = "wavelink:flags"
	storageKeyAction    = "wavelink:pending_action"
)

// ── MemoryStorage ────────────────────────────────────────

// MemoryStorage is a goroutine-safe in-memory Storage, used in tests and
// as the default when no directory is configured.
type MemoryStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *MemoryStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, len(value))
	copy(b, value)
	s.blobs[key] = b
	return nil
}

func (s *MemoryStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// ── FileStorage ──────────────────────────────────────────

// FileStorage keeps one JSON file per key under a directory. Keys are
// namespaced strings; the colon is replaced so they stay portable file
// names.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create storage directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(key string) string {
	name := strings.ReplaceAll(key, ":", "_") + ".json"
	return filepath.Join(s.dir, name)
}

func (s *FileStorage) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStorage) Set(key string, value []byte) error {
	if err := os.WriteFile(s.path(key), value, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", key, err)
	}
	return nil
}

func (s *FileStorage) Remove(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove %s: %w", key, err)
	}
	return nil
}

// ============================================================================
// CacheManager
// ============================================================================

// CacheManager hydrates the message store, read tracker and conversation
// index from durable storage at startup, and writes them back debounced
// on change. Writes are suppressed until hydration completes so a young
// empty process can never clobber durable state.
type CacheManager struct {
	storage Storage
	store   *MessageStore
	reads   *ReadTracker
	index   *ConversationIndex

	debounce time.Duration

	mu       sync.Mutex
	hydrated bool
	timer    *time.Timer
	closed   bool
}

// NewCacheManager wires the cache to the three stores it persists.
func NewCacheManager(storage Storage, store *MessageStore, reads *ReadTracker, index *ConversationIndex, debounce time.Duration) *CacheManager {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &CacheManager{
		storage:  storage,
		store:    store,
		reads:    reads,
		index:    index,
		debounce: debounce,
	}
}

// Hydrated reports whether startup hydration has completed.
func (c *CacheManager) Hydrated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydrated
}

// Hydrate loads the four blobs in parallel, sanitizes them and installs
// them into the stores. Any read or decode failure degrades that blob to
// empty — a broken cache must never block startup.
func (c *CacheManager) Hydrate() {
	var (
		wg         sync.WaitGroup
		rawLogs    []byte
		rawReads   []byte
		rawPreview []byte
		rawFlags   []byte
	)
	wg.Add(4)
	go func() { defer wg.Done(); rawLogs, _ = c.storage.Get(storageKeyMessages) }()
	go func() { defer wg.Done(); rawReads, _ = c.storage.Get(storageKeyReadState) }()
	go func() { defer wg.Done(); rawPreview, _ = c.storage.Get(storageKeyPreviews) }()
	go func() { defer wg.Done(); rawFlags, _ = c.storage.Get(storageKeyFlags) }()
	wg.Wait()

	c.store.restore(sanitizeLogs(rawLogs))
	c.reads.restore(sanitizeReadState(rawReads))
	c.index.restore(sanitizePreviews(rawPreview), sanitizeFlags(rawFlags))

	c.mu.Lock()
	c.hydrated = true
	c.mu.Unlock()
}

// MarkDirty schedules a persistence write after the debounce window.
// Bursts of realtime messages coalesce into one write. Calls before
// hydration completes are dropped.
func (c *CacheManager) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hydrated || c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.persist)
}

// Flush writes immediately, cancelling any pending debounce. No-op
// before hydration.
func (c *CacheManager) Flush() {
	c.mu.Lock()
	if !c.hydrated {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.persist()
}

// Close cancels the pending write and performs a final flush.
func (c *CacheManager) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hydrated := c.hydrated
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	if hydrated {
		c.persist()
	}
}

func (c *CacheManager) persist() {
	// Each blob is written independently; one failing write must not
	// stop the others.
	if b, err := json.Marshal(c.store.snapshot()); err == nil {
		_ = c.storage.Set(storageKeyMessages, b)
	}
	if b, err := json.Marshal(c.reads.snapshot()); err == nil {
		_ = c.storage.Set(storageKeyReadState, b)
	}
	if b, err := json.Marshal(c.index.snapshotPreviews()); err == nil {
		_ = c.storage.Set(storageKeyPreviews, b)
	}
	if b, err := json.Marshal(c.index.snapshotFlags()); err == nil {
		_ = c.storage.Set(storageKeyFlags, b)
	}
}

// ============================================================================
// Sanitizers
// ============================================================================

// parseConversationKey accepts only positive integer keys.
func parseConversationKey(s string) (int, bool) {
	k, err := strconv.Atoi(s)
	if err != nil || k <= 0 {
		return 0, false
	}
	return k, true
}

func sanitizeLogs(raw []byte) map[int][]Message {
	out := make(map[int][]Message)
	if len(raw) == 0 {
		return out
	}
	var decoded map[string]json.RawMessage
	if json.Unmarshal(raw, &decoded) != nil {
		return out
	}
	for ks, rawLog := range decoded {
		key, ok := parseConversationKey(ks)
		if !ok {
			continue
		}
		var msgs []Message
		if json.Unmarshal(rawLog, &msgs) != nil {
			continue // non-array log: drop the whole entry
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if m.ID == "" || m.CreatedAtMs <= 0 {
				continue
			}
			kept = append(kept, m)
		}
		out[key] = kept
	}
	return out
}

func sanitizeReadState(raw []byte) map[int]int64 {
	out := make(map[int]int64)
	if len(raw) == 0 {
		return out
	}
	var decoded map[string]int64
	if json.Unmarshal(raw, &decoded) != nil {
		return out
	}
	for ks, ts := range decoded {
		key, ok := parseConversationKey(ks)
		if !ok || ts <= 0 {
			continue
		}
		out[key] = ts
	}
	return out
}

func sanitizePreviews(raw []byte) map[int]Preview {
	out := make(map[int]Preview)
	if len(raw) == 0 {
		return out
	}
	var decoded map[string]Preview
	if json.Unmarshal(raw, &decoded) != nil {
		return out
	}
	for ks, p := range decoded {
		key, ok := parseConversationKey(ks)
		if !ok || p.Ts <= 0 {
			continue
		}
		out[key] = p
	}
	return out
}

func sanitizeFlags(raw []byte) map[int]storedFlags {
	out := make(map[int]storedFlags)
	if len(raw) == 0 {
		return out
	}
	var decoded map[string]storedFlags
	if json.Unmarshal(raw, &decoded) != nil {
		return out
	}
	for ks, f := range decoded {
		key, ok := parseConversationKey(ks)
		if !ok {
			continue
		}
		out[key] = f
	}
	return out
}
