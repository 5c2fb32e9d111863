package wavelink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles engine events.
type EventHandler func(event string, payload any)

type engineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func (e *engineEmitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *engineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *engineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Engine Options
// ============================================================================

// EngineOptions configures the SyncEngine.
type EngineOptions struct {
	// SelfUID is the authenticated user's id; it decides which messages
	// count as foreign for unread bookkeeping and which conversation an
	// inbound private message belongs to.
	SelfUID int

	// PageSize is the history page length. Defaults to 30.
	PageSize int

	// Storage backs the offline cache. Defaults to in-memory.
	Storage Storage

	// PersistDebounce coalesces cache writes. Defaults to 200ms.
	PersistDebounce time.Duration

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
}

func (o *EngineOptions) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = 30
	}
	if o.Storage == nil {
		o.Storage = NewMemoryStorage()
	}
}

// ============================================================================
// SyncEngine
// ============================================================================

// SyncEngine ties the pieces together: it hydrates local state from the
// cache, keeps the one realtime connection alive, merges pushed and
// fetched messages into the store, maintains read markers, unread
// counts, previews and flags, and persists everything back debounced.
//
// Events emitted (payload type in parens):
//
//	"message"           new message merged (Message)
//	"message.failed"    optimistic send failed (Message)
//	"conversations"     the list ordering/content changed (nil)
//	"sync.error"        background sync failed (map with "error")
//	"presence"          online map changed (nil)
//	"friends"           contact list changed server-side (nil)
//	"requests"          friend requests changed server-side (nil)
//	"action"            a pending cross-screen action was applied (*PendingAction)
type SyncEngine struct {
	engineEmitter

	client *Client
	rt     *RealtimeClient
	opts   EngineOptions

	store   *MessageStore
	reads   *ReadTracker
	index   *ConversationIndex
	cache   *CacheManager
	mailbox *ActionMailbox

	mu          sync.RWMutex
	unread      map[int]int
	online      map[int]bool
	targetTypes map[int]TargetType
	activeKey   int
	started     bool
}

// NewSyncEngine creates an engine over the given API client.
func NewSyncEngine(client *Client, opts EngineOptions) *SyncEngine {
	opts.defaults()

	store := NewMessageStore()
	reads := NewReadTracker()
	index := NewConversationIndex()

	e := &SyncEngine{
		engineEmitter: engineEmitter{listeners: make(map[string][]EventHandler)},
		client:        client,
		opts:          opts,
		store:         store,
		reads:         reads,
		index:         index,
		cache:         NewCacheManager(opts.Storage, store, reads, index, opts.PersistDebounce),
		mailbox:       NewActionMailbox(opts.Storage),
		unread:        make(map[int]int),
		online:        make(map[int]bool),
		targetTypes:   make(map[int]TargetType),
	}

	e.rt = NewRealtimeClient(client.BaseURL(), &RealtimeConfig{
		Token:             client.Token,
		HeartbeatInterval: opts.HeartbeatInterval,
		ReconnectBase:     opts.ReconnectBase,
		ReconnectCap:      opts.ReconnectCap,
	})
	e.rt.OnChatFrame(e.handleChatFrame)
	e.rt.OnPresence(e.handlePresence)
	e.rt.OnRelationship(func(kind string) { e.emit(kind, nil) })

	return e
}

// Realtime exposes the underlying push-channel client for state and
// connection meta-events.
func (e *SyncEngine) Realtime() *RealtimeClient {
	return e.rt
}

// Start hydrates local state from the cache, seeds unread counts, pulls
// the conversation overview and opens the realtime connection. A missing
// token is not an error: the engine runs offline-only until SetToken and
// a further Connect.
func (e *SyncEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.cache.Hydrate()
	e.seedUnread()

	if err := e.refreshOverview(ctx); err != nil {
		e.emit("sync.error", map[string]any{"error": err.Error()})
	} else {
		e.emit("conversations", nil)
	}

	if err := e.rt.Connect(ctx); err != nil && err != ErrNoToken {
		return err
	}
	return nil
}

// Stop disconnects and flushes the cache.
func (e *SyncEngine) Stop() {
	e.rt.Disconnect()
	e.cache.Close()
}

// seedUnread derives unread counts from the hydrated logs and read
// markers. Muted conversations are clamped to zero; this is the only
// place counts are computed from scratch, afterwards they move
// incrementally.
func (e *SyncEngine) seedUnread() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range e.store.Keys() {
		if e.index.Muted(key) {
			e.unread[key] = 0
			continue
		}
		e.unread[key] = e.reads.UnreadIn(key, e.store.Messages(key), e.opts.SelfUID)
	}
}

// refreshOverview pulls the lightweight conversation summaries and
// merges them into the index. Preview regression is handled by the
// index: a fetched summary older than a live one is dropped.
func (e *SyncEngine) refreshOverview(ctx context.Context) error {
	res, err := e.client.GetConversations(ctx)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("overview fetch rejected")
	}
	var overviews []ConversationOverview
	if err := res.Decode(&overviews); err != nil {
		return fmt.Errorf("failed to decode overview: %w", err)
	}

	for _, ov := range overviews {
		if ov.Key <= 0 {
			continue
		}
		e.rememberTargetType(ov.Key, ov.TargetType)
		if ov.Name != "" {
			e.index.SetName(ov.Key, ov.Name)
		}
		if ov.LastTs > 0 && ov.LastTs > e.index.DeletedAt(ov.Key) {
			e.index.SetPreview(ov.Key, Preview{
				Text: ov.LastText,
				Time: formatPreviewTime(ov.LastTs),
				Ts:   ov.LastTs,
			})
		}
	}
	e.cache.MarkDirty()
	return nil
}

// ── Realtime handlers ────────────────────────────────────

func (e *SyncEngine) handleChatFrame(raw json.RawMessage) {
	m, err := NormalizeMessage(raw)
	if err != nil {
		return
	}
	key := conversationKey(m, e.opts.SelfUID)
	if key <= 0 {
		return
	}
	if m.CreatedAtMs <= e.index.DeletedAt(key) {
		return
	}
	e.rememberTargetType(key, m.TargetType)

	res := e.store.InsertMessages(key, []Message{m}, false)
	if res.Added == 0 {
		return
	}

	// A new message resurfaces a hidden conversation.
	if e.index.Hidden(key) {
		e.index.SetHidden(key, false)
	}
	e.updatePreview(key, res.Last)

	e.mu.Lock()
	active := e.activeKey
	e.mu.Unlock()

	if m.SenderUID != e.opts.SelfUID {
		if key == active {
			e.reads.MarkRead(key, m.CreatedAtMs)
		} else if !e.index.Muted(key) && m.CreatedAtMs > e.reads.ReadAt(key) {
			// Out-of-order frames older than the read marker are
			// already read, whatever their id.
			e.mu.Lock()
			e.unread[key]++
			e.mu.Unlock()
		}
	}

	e.cache.MarkDirty()
	e.emit("message", m)
	e.emit("conversations", nil)
}

func (e *SyncEngine) handlePresence(updates []PresencePayload) {
	e.mu.Lock()
	for _, p := range updates {
		if p.Online {
			e.online[p.UID] = true
		} else {
			delete(e.online, p.UID)
		}
	}
	e.mu.Unlock()
	e.emit("presence", nil)
}

// ── Conversation lifecycle ───────────────────────────────

// OpenConversation makes a conversation the active one: its messages
// count as read from now on and the unread badge clears. An empty log
// triggers the initial history fetch.
func (e *SyncEngine) OpenConversation(ctx context.Context, key int, targetType TargetType) error {
	e.mu.Lock()
	e.activeKey = key
	e.mu.Unlock()
	e.rememberTargetType(key, targetType)
	e.store.EnsureBucket(key)

	e.MarkRead(key)

	if e.store.Len(key) == 0 {
		return e.LoadMoreHistory(ctx, key)
	}
	return nil
}

// CloseConversation clears the active conversation.
func (e *SyncEngine) CloseConversation(key int) {
	e.mu.Lock()
	if e.activeKey == key {
		e.activeKey = 0
	}
	e.mu.Unlock()
}

// MarkRead advances the read marker to the newest cached message (now
// when the log is empty) and clears the unread badge.
func (e *SyncEngine) MarkRead(key int) {
	ts := time.Now().UnixMilli()
	msgs := e.store.Messages(key)
	if len(msgs) > 0 {
		ts = msgs[len(msgs)-1].CreatedAtMs
	}
	e.reads.MarkRead(key, ts)

	e.mu.Lock()
	e.unread[key] = 0
	e.mu.Unlock()

	// Advisory server-side marker; local state is authoritative.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = e.client.MarkConversationRead(ctx, key)
	}()

	e.cache.MarkDirty()
	e.emit("conversations", nil)
}

// ── Sending ──────────────────────────────────────────────

// SendText sends a message with optimistic local echo: a pending
// placeholder appears in the log immediately and is replaced by the
// server's stored message on success. On failure the placeholder stays
// with status failed so the UI can offer a retry.
func (e *SyncEngine) SendText(ctx context.Context, key int, targetType TargetType, content string) (*Message, error) {
	if key <= 0 {
		return nil, fmt.Errorf("invalid conversation key %d", key)
	}
	e.rememberTargetType(key, targetType)

	localID := "local-" + uuid.NewString()
	now := time.Now().UnixMilli()
	local := Message{
		ID:          localID,
		SenderUID:   e.opts.SelfUID,
		TargetUID:   key,
		TargetType:  targetType,
		Content:     content,
		CreatedAtMs: now,
		Status:      MessagePending,
	}
	res := e.store.InsertMessages(key, []Message{local}, false)
	e.updatePreview(key, res.Last)
	e.cache.MarkDirty()
	e.emit("message", local)
	e.emit("conversations", nil)

	result, err := e.client.SendMessage(ctx, &SendRequest{
		TargetUID:  key,
		TargetType: targetType,
		Content:    content,
		ClientID:   localID,
	})
	if err == nil && (!result.OK || result.Data == nil) {
		if result.Error != nil {
			err = result.Error
		} else {
			err = fmt.Errorf("send rejected")
		}
	}
	if err != nil {
		failed := local
		failed.Status = MessageFailed
		e.store.Remove(key, localID)
		e.store.InsertMessages(key, []Message{failed}, false)
		e.cache.MarkDirty()
		e.emit("message.failed", failed)
		return nil, err
	}

	// Replace the placeholder with the server echo. The echo may also
	// arrive over the push channel first; the id-set makes the second
	// insert a no-op either way.
	confirmed, nerr := NormalizeMessage(result.Data)
	if nerr != nil {
		return nil, fmt.Errorf("malformed send response: %w", nerr)
	}
	confirmed.Status = MessageConfirmed
	e.store.Remove(key, localID)
	ins := e.store.InsertMessages(key, []Message{confirmed}, false)
	e.updatePreview(key, ins.Last)
	e.reads.MarkRead(key, confirmed.CreatedAtMs)
	e.cache.MarkDirty()
	e.emit("message", confirmed)
	e.emit("conversations", nil)
	return &confirmed, nil
}

// ── History pagination ───────────────────────────────────

// LoadMoreHistory fetches the next older page for a conversation and
// merges it at the front of the log. Single-flight per key; a second
// call while one is running is a no-op. Pages shorter than the page
// size exhaust the cursor.
func (e *SyncEngine) LoadMoreHistory(ctx context.Context, key int) error {
	if !e.store.HasMore(key) {
		return nil
	}
	if e.store.Loading(key) {
		return nil
	}
	e.store.SetLoading(key, true)
	defer e.store.SetLoading(key, false)

	beforeID := e.store.BeforeID(key)
	res, err := e.client.GetHistory(ctx, key, e.targetTypeOf(key), beforeID, e.opts.PageSize)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("history fetch rejected")
	}

	var raws []json.RawMessage
	if err := res.Decode(&raws); err != nil {
		return fmt.Errorf("failed to decode history: %w", err)
	}

	// Cursor exhaustion is judged on the raw page length, before the
	// deletion cutoff drops anything, otherwise a cleared conversation
	// would refetch the same page forever.
	if len(raws) < e.opts.PageSize {
		e.store.SetHasMore(key, false)
	}

	cutoff := e.index.DeletedAt(key)
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		m, nerr := NormalizeMessage(raw)
		if nerr != nil {
			continue
		}
		if m.CreatedAtMs <= cutoff {
			continue
		}
		msgs = append(msgs, m)
	}

	ins := e.store.InsertMessages(key, msgs, true)
	if ins.Added > 0 {
		e.updatePreview(key, ins.Last)
		e.cache.MarkDirty()
		e.emit("conversations", nil)
	}
	return nil
}

// ── List management ──────────────────────────────────────

// Pin pins or unpins a conversation.
func (e *SyncEngine) Pin(key int, pinned bool) {
	e.index.SetPinned(key, pinned)
	e.cache.MarkDirty()
	e.emit("conversations", nil)
}

// Mute silences a conversation. Muting clears the unread badge;
// unmuting does not recompute it, so counts accrued while muted never
// resurface.
func (e *SyncEngine) Mute(key int, muted bool) {
	e.index.SetMuted(key, muted)
	if muted {
		e.mu.Lock()
		e.unread[key] = 0
		e.mu.Unlock()
	}
	e.cache.MarkDirty()
	e.emit("conversations", nil)
}

// Hide removes a conversation from the list without touching its log.
// The next inbound message unhides it.
func (e *SyncEngine) Hide(key int, hidden bool) {
	e.index.SetHidden(key, hidden)
	e.cache.MarkDirty()
	e.emit("conversations", nil)
}

// DeleteConversation clears a conversation's local history: the log is
// dropped, the preview cleared and a deletion cutoff recorded so
// refetched history from before the deletion stays gone. The read
// marker resets forward to the deletion time.
func (e *SyncEngine) DeleteConversation(key int) {
	now := time.Now().UnixMilli()
	e.store.Drop(key)
	e.index.MarkDeleted(key, now)
	e.reads.ResetForward(key, now)

	e.mu.Lock()
	e.unread[key] = 0
	if e.activeKey == key {
		e.activeKey = 0
	}
	e.mu.Unlock()

	e.cache.MarkDirty()
	e.emit("conversations", nil)
}

// ── Cross-screen actions ─────────────────────────────────

// RecordAction stores a pending action for the next OnFocus. Secondary
// screens call this instead of mutating engine state directly.
func (e *SyncEngine) RecordAction(typ ActionType, key int, payload any) error {
	return e.mailbox.Record(typ, key, payload)
}

// OnFocus applies the pending cross-screen action, if any. Called when
// the primary screen regains focus.
func (e *SyncEngine) OnFocus() error {
	action, err := e.mailbox.Take()
	if err != nil {
		return err
	}
	if action == nil {
		return nil
	}

	key := action.ConversationKey
	switch action.Type {
	case ActionGroupUpdate:
		var p GroupUpdatePayload
		if len(action.Payload) > 0 && json.Unmarshal(action.Payload, &p) != nil {
			break
		}
		if p.Name != "" {
			e.index.SetName(key, p.Name)
		}
		if p.Muted != nil {
			e.Mute(key, *p.Muted)
		}
	case ActionDeleteChat, ActionGroupDeleteChat:
		e.DeleteConversation(key)
	case ActionGroupLeave:
		now := time.Now().UnixMilli()
		e.store.Drop(key)
		e.index.Forget(key, now)
		e.reads.Forget(key)
		e.mu.Lock()
		delete(e.unread, key)
		delete(e.targetTypes, key)
		if e.activeKey == key {
			e.activeKey = 0
		}
		e.mu.Unlock()
	}

	e.cache.MarkDirty()
	e.emit("action", action)
	e.emit("conversations", nil)
	return nil
}

// ── Reads ────────────────────────────────────────────────

// Conversations returns the renderable list: visible conversations,
// pinned first, then most recent first.
func (e *SyncEngine) Conversations() []ConversationSummary {
	keys := e.index.SortedKeys()

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ConversationSummary, 0, len(keys))
	for _, k := range keys {
		p, _ := e.index.Preview(k)
		tt := e.targetTypes[k]
		out = append(out, ConversationSummary{
			Key:        k,
			TargetType: tt,
			Name:       e.index.Name(k),
			Preview:    p,
			Pinned:     e.index.Pinned(k),
			Muted:      e.index.Muted(k),
			Unread:     e.unread[k],
			Online:     tt == TargetPrivate && e.online[k],
		})
	}
	return out
}

// Messages returns the cached log for a conversation.
func (e *SyncEngine) Messages(key int) []Message {
	return e.store.Messages(key)
}

// Unread returns the unread badge for a conversation.
func (e *SyncEngine) Unread(key int) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unread[key]
}

// Online reports whether a peer is currently online.
func (e *SyncEngine) Online(uid int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.online[uid]
}

// HasMore reports whether older history may exist for a conversation.
func (e *SyncEngine) HasMore(key int) bool {
	return e.store.HasMore(key)
}

// Search scans cached message content. A zero key searches everywhere.
func (e *SyncEngine) Search(query string, key int, limit int) []Message {
	return e.store.Search(query, key, limit)
}

// ── Helpers ──────────────────────────────────────────────

func (e *SyncEngine) rememberTargetType(key int, tt TargetType) {
	if tt == "" {
		return
	}
	e.mu.Lock()
	e.targetTypes[key] = tt
	e.mu.Unlock()
}

func (e *SyncEngine) targetTypeOf(key int) TargetType {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if tt, ok := e.targetTypes[key]; ok {
		return tt
	}
	return TargetPrivate
}

func (e *SyncEngine) updatePreview(key int, last *Message) {
	if last == nil {
		e.index.ClearPreview(key)
		return
	}
	e.index.SetPreview(key, Preview{
		Text: last.Content,
		Time: formatPreviewTime(last.CreatedAtMs),
		Ts:   last.CreatedAtMs,
	})
}

// conversationKey maps a message to its conversation: group messages
// key on the group id, an own echo keys on the recipient, an inbound
// private message keys on the sender.
func conversationKey(m Message, selfUID int) int {
	if m.TargetType == TargetGroup {
		return m.TargetUID
	}
	if m.SenderUID == selfUID {
		return m.TargetUID
	}
	return m.SenderUID
}

func formatPreviewTime(ms int64) string {
	return time.UnixMilli(ms).Format("15:04")
}
