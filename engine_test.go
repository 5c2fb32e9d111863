package wavelink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test Server
// ============================================================================

type fakeBackend struct {
	mux *http.ServeMux

	historyCalls int64
	sendCalls    int64

	history  func(key int, beforeID string, limit int) []json.RawMessage
	send     func(req SendRequest) (json.RawMessage, *APIError)
	overview []ConversationOverview
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{mux: http.NewServeMux()}

	b.mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, b.overview)
	})
	b.mux.HandleFunc("/api/direct/", b.messages)
	b.mux.HandleFunc("/api/groups/", b.messages)

	return b
}

func (b *fakeBackend) messages(w http.ResponseWriter, r *http.Request) {
	// Path shape: /api/{direct|groups}/{key}/messages
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	var key int
	if len(parts) >= 3 {
		fmt.Sscanf(parts[2], "%d", &key)
	}

	switch r.Method {
	case http.MethodGet:
		atomic.AddInt64(&b.historyCalls, 1)
		limit := 30
		fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)
		var page []json.RawMessage
		if b.history != nil {
			page = b.history(key, r.URL.Query().Get("before"), limit)
		}
		if page == nil {
			page = []json.RawMessage{}
		}
		writeOK(w, page)
	case http.MethodPost:
		atomic.AddInt64(&b.sendCalls, 1)
		var req SendRequest
		json.NewDecoder(r.Body).Decode(&req)
		if b.send == nil {
			writeOK(w, nil)
			return
		}
		data, apiErr := b.send(req)
		if apiErr != nil {
			json.NewEncoder(w).Encode(Result{OK: false, Error: apiErr})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Result{OK: true, Data: data})
	}
}

func writeOK(w http.ResponseWriter, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func rawMsg(id string, sender int, ts int64, content string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"senderUid":%d,"targetUid":100,"targetType":"private","content":%q,"createdAtMs":%d}`,
		id, sender, content, ts))
}

func newTestEngine(t *testing.T, backend *fakeBackend) (*SyncEngine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(backend.mux)
	t.Cleanup(srv.Close)

	client := NewClient("", WithBaseURL(srv.URL))
	e := NewSyncEngine(client, EngineOptions{SelfUID: 7, PageSize: 5})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, srv
}

// ============================================================================
// History pagination
// ============================================================================

func TestEngineLoadMoreHistory(t *testing.T) {
	t.Run("full page keeps cursor alive", func(t *testing.T) {
		backend := newFakeBackend()
		backend.history = func(key int, beforeID string, limit int) []json.RawMessage {
			page := make([]json.RawMessage, limit)
			for i := 0; i < limit; i++ {
				page[i] = rawMsg(fmt.Sprintf("m%s-%d", beforeID, i), 2, int64(1000+i), "x")
			}
			return page
		}
		e, _ := newTestEngine(t, backend)

		if err := e.LoadMoreHistory(context.Background(), 42); err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(e.Messages(42)) != 5 {
			t.Fatalf("expected 5 messages, got %d", len(e.Messages(42)))
		}
		if !e.HasMore(42) {
			t.Fatal("full page must keep hasMore true")
		}
	})

	t.Run("short page exhausts cursor and stops fetching", func(t *testing.T) {
		backend := newFakeBackend()
		backend.history = func(key int, beforeID string, limit int) []json.RawMessage {
			return []json.RawMessage{
				rawMsg("a", 2, 1000, "x"),
				rawMsg("b", 2, 2000, "y"),
			}
		}
		e, _ := newTestEngine(t, backend)

		if err := e.LoadMoreHistory(context.Background(), 42); err != nil {
			t.Fatalf("load: %v", err)
		}
		if e.HasMore(42) {
			t.Fatal("short page must clear hasMore")
		}

		calls := atomic.LoadInt64(&backend.historyCalls)
		if err := e.LoadMoreHistory(context.Background(), 42); err != nil {
			t.Fatalf("second load: %v", err)
		}
		if atomic.LoadInt64(&backend.historyCalls) != calls {
			t.Fatal("exhausted cursor still hit the network")
		}
	})

	t.Run("refetch after merge is idempotent", func(t *testing.T) {
		backend := newFakeBackend()
		backend.history = func(key int, beforeID string, limit int) []json.RawMessage {
			return []json.RawMessage{rawMsg("a", 2, 1000, "x")}
		}
		e, _ := newTestEngine(t, backend)

		e.LoadMoreHistory(context.Background(), 42)
		// Short page clears hasMore; force another fetch to replay the page.
		e.store.SetHasMore(42, true)
		e.LoadMoreHistory(context.Background(), 42)
		if got := len(e.Messages(42)); got != 1 {
			t.Fatalf("replayed page duplicated messages: %d", got)
		}
	})

	t.Run("deleted cutoff filters old pages", func(t *testing.T) {
		backend := newFakeBackend()
		backend.history = func(key int, beforeID string, limit int) []json.RawMessage {
			return []json.RawMessage{
				rawMsg("old", 2, 1000, "before deletion"),
				rawMsg("new", 2, 9999999999999, "after deletion"),
			}
		}
		e, _ := newTestEngine(t, backend)

		e.DeleteConversation(42)
		if err := e.LoadMoreHistory(context.Background(), 42); err != nil {
			t.Fatalf("load: %v", err)
		}
		msgs := e.Messages(42)
		if len(msgs) != 1 || msgs[0].ID != "new" {
			t.Fatalf("cutoff not applied: %v", ids(msgs))
		}
	})
}

// ============================================================================
// Sending
// ============================================================================

func TestEngineSendText(t *testing.T) {
	t.Run("placeholder replaced by server echo", func(t *testing.T) {
		backend := newFakeBackend()
		backend.send = func(req SendRequest) (json.RawMessage, *APIError) {
			if !strings.HasPrefix(req.ClientID, "local-") {
				return nil, &APIError{Code: "BAD_CLIENT_ID", Message: req.ClientID}
			}
			return rawMsg("srv-1", 7, 5000, req.Content), nil
		}
		e, _ := newTestEngine(t, backend)

		sent, err := e.SendText(context.Background(), 100, TargetPrivate, "hello")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if sent.ID != "srv-1" || sent.Status != MessageConfirmed {
			t.Fatalf("bad confirmed message: %+v", sent)
		}

		msgs := e.Messages(100)
		if len(msgs) != 1 || msgs[0].ID != "srv-1" {
			t.Fatalf("placeholder not replaced: %v", ids(msgs))
		}
	})

	t.Run("failure keeps placeholder as failed", func(t *testing.T) {
		backend := newFakeBackend()
		backend.send = func(req SendRequest) (json.RawMessage, *APIError) {
			return nil, &APIError{Code: "RATE_LIMITED", Message: "slow down"}
		}
		e, _ := newTestEngine(t, backend)

		var failed []Message
		e.On("message.failed", func(_ string, payload any) {
			if m, ok := payload.(Message); ok {
				failed = append(failed, m)
			}
		})

		_, err := e.SendText(context.Background(), 100, TargetPrivate, "hello")
		if err == nil {
			t.Fatal("expected send error")
		}
		msgs := e.Messages(100)
		if len(msgs) != 1 || msgs[0].Status != MessageFailed {
			t.Fatalf("expected failed placeholder, got %v", msgs)
		}
		if len(failed) != 1 {
			t.Fatalf("expected one failure event, got %d", len(failed))
		}
	})

	t.Run("push echo before response stays deduplicated", func(t *testing.T) {
		backend := newFakeBackend()
		backend.send = func(req SendRequest) (json.RawMessage, *APIError) {
			return rawMsg("srv-2", 7, 5000, req.Content), nil
		}
		e, _ := newTestEngine(t, backend)

		// Server pushes the stored message over the socket before the
		// HTTP response lands.
		e.handleChatFrame(rawMsg("srv-2", 7, 5000, "hello"))
		if _, err := e.SendText(context.Background(), 100, TargetPrivate, "hello"); err != nil {
			t.Fatalf("send: %v", err)
		}
		msgs := e.Messages(100)
		count := 0
		for _, m := range msgs {
			if m.ID == "srv-2" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("expected one srv-2, got %d (%v)", count, ids(msgs))
		}
	})
}

// ============================================================================
// Realtime message handling
// ============================================================================

func TestEngineChatFrames(t *testing.T) {
	t.Run("foreign message bumps unread and preview", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())

		e.handleChatFrame(rawMsg("a", 2, 1000, "hi there"))
		if got := e.Unread(2); got != 1 {
			t.Fatalf("expected 1 unread, got %d", got)
		}
		p, ok := e.index.Preview(2)
		if !ok || p.Text != "hi there" || p.Ts != 1000 {
			t.Fatalf("bad preview: %+v ok=%v", p, ok)
		}
	})

	t.Run("duplicate frame changes nothing", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		frame := rawMsg("a", 2, 1000, "hi")
		e.handleChatFrame(frame)
		e.handleChatFrame(frame)
		if got := e.Unread(2); got != 1 {
			t.Fatalf("duplicate bumped unread: %d", got)
		}
		if got := len(e.Messages(2)); got != 1 {
			t.Fatalf("duplicate grew log: %d", got)
		}
	})

	t.Run("muted conversation accrues no unread", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		e.Mute(2, true)
		e.handleChatFrame(rawMsg("a", 2, 1000, "hi"))
		if got := e.Unread(2); got != 0 {
			t.Fatalf("muted conversation counted unread: %d", got)
		}

		// Unmute must not resurrect counts accrued while muted.
		e.Mute(2, false)
		if got := e.Unread(2); got != 0 {
			t.Fatalf("unmute resurrected unread: %d", got)
		}
		e.handleChatFrame(rawMsg("b", 2, 2000, "again"))
		if got := e.Unread(2); got != 1 {
			t.Fatalf("expected counting to resume after unmute, got %d", got)
		}
	})

	t.Run("late frame older than read marker stays read", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		e.handleChatFrame(rawMsg("a", 2, 2000, "hi"))
		e.MarkRead(2)
		if got := e.Unread(2); got != 0 {
			t.Fatalf("setup: expected 0 after mark read, got %d", got)
		}

		// New id, but delivered out of order with an older timestamp.
		e.handleChatFrame(rawMsg("b", 2, 1500, "late delivery"))
		if got := e.Unread(2); got != 0 {
			t.Fatalf("late frame bumped unread: %d", got)
		}
		if got := len(e.Messages(2)); got != 2 {
			t.Fatalf("late frame must still merge into the log: %d", got)
		}

		// A genuinely newer message resumes counting.
		e.handleChatFrame(rawMsg("c", 2, 2500, "fresh"))
		if got := e.Unread(2); got != 1 {
			t.Fatalf("expected 1 unread for newer message, got %d", got)
		}
	})

	t.Run("active conversation marks read instead", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		e.OpenConversation(context.Background(), 2, TargetPrivate)
		e.handleChatFrame(rawMsg("a", 2, 1000, "hi"))
		if got := e.Unread(2); got != 0 {
			t.Fatalf("open conversation counted unread: %d", got)
		}
		if got := e.reads.ReadAt(2); got < 1000 {
			t.Fatalf("expected read marker advanced, got %d", got)
		}
	})

	t.Run("own echo never counts", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		e.handleChatFrame(rawMsg("a", 7, 1000, "my own"))
		if got := e.Unread(100); got != 0 {
			t.Fatalf("own echo counted unread: %d", got)
		}
	})

	t.Run("new message unhides conversation", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		e.handleChatFrame(rawMsg("a", 2, 1000, "hi"))
		e.Hide(2, true)
		if len(e.Conversations()) != 0 {
			t.Fatal("expected hidden conversation off the list")
		}
		e.handleChatFrame(rawMsg("b", 2, 2000, "hello again"))
		convos := e.Conversations()
		if len(convos) != 1 || convos[0].Key != 2 {
			t.Fatalf("expected conversation resurfaced, got %v", convos)
		}
	})

	t.Run("frame older than deletion cutoff dropped", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		e.handleChatFrame(rawMsg("a", 2, 1000, "hi"))
		e.DeleteConversation(2)
		e.handleChatFrame(rawMsg("b", 2, 1500, "late replay"))
		if got := len(e.Messages(2)); got != 0 {
			t.Fatalf("replayed frame resurrected deleted history: %d", got)
		}
	})
}

func TestConversationKey(t *testing.T) {
	t.Run("group keys on group id", func(t *testing.T) {
		m := Message{SenderUID: 2, TargetUID: 55, TargetType: TargetGroup}
		if got := conversationKey(m, 7); got != 55 {
			t.Fatalf("expected 55, got %d", got)
		}
	})

	t.Run("own echo keys on recipient", func(t *testing.T) {
		m := Message{SenderUID: 7, TargetUID: 100, TargetType: TargetPrivate}
		if got := conversationKey(m, 7); got != 100 {
			t.Fatalf("expected 100, got %d", got)
		}
	})

	t.Run("inbound private keys on sender", func(t *testing.T) {
		m := Message{SenderUID: 2, TargetUID: 7, TargetType: TargetPrivate}
		if got := conversationKey(m, 7); got != 2 {
			t.Fatalf("expected 2, got %d", got)
		}
	})
}

// ============================================================================
// Conversation list
// ============================================================================

func TestEngineConversations(t *testing.T) {
	t.Run("overview seeds list", func(t *testing.T) {
		backend := newFakeBackend()
		backend.overview = []ConversationOverview{
			{Key: 1, TargetType: TargetPrivate, Name: "Ada", LastText: "hi", LastTs: 1000},
			{Key: 2, TargetType: TargetGroup, Name: "Team", LastText: "meeting", LastTs: 2000},
		}
		e, _ := newTestEngine(t, backend)

		convos := e.Conversations()
		if len(convos) != 2 {
			t.Fatalf("expected 2 conversations, got %d", len(convos))
		}
		if convos[0].Key != 2 || convos[0].Name != "Team" {
			t.Fatalf("expected newest first, got %+v", convos[0])
		}
	})

	t.Run("pin floats to top", func(t *testing.T) {
		backend := newFakeBackend()
		backend.overview = []ConversationOverview{
			{Key: 1, TargetType: TargetPrivate, LastText: "old", LastTs: 1000},
			{Key: 2, TargetType: TargetPrivate, LastText: "new", LastTs: 2000},
		}
		e, _ := newTestEngine(t, backend)
		e.Pin(1, true)
		convos := e.Conversations()
		if convos[0].Key != 1 {
			t.Fatalf("expected pinned first, got %+v", convos)
		}
	})

	t.Run("presence reflected for private peers", func(t *testing.T) {
		backend := newFakeBackend()
		backend.overview = []ConversationOverview{
			{Key: 3, TargetType: TargetPrivate, LastText: "x", LastTs: 1000},
		}
		e, _ := newTestEngine(t, backend)
		e.handlePresence([]PresencePayload{{UID: 3, Online: true}})
		convos := e.Conversations()
		if len(convos) != 1 || !convos[0].Online {
			t.Fatalf("expected online peer, got %+v", convos)
		}
		e.handlePresence([]PresencePayload{{UID: 3, Online: false}})
		if e.Conversations()[0].Online {
			t.Fatal("expected offline after update")
		}
	})
}

// ============================================================================
// Deletion and cross-screen actions
// ============================================================================

func TestEngineDeleteConversation(t *testing.T) {
	e, _ := newTestEngine(t, newFakeBackend())
	e.handleChatFrame(rawMsg("a", 2, 1000, "hi"))
	if e.Unread(2) != 1 {
		t.Fatal("setup failed")
	}

	e.DeleteConversation(2)
	if len(e.Messages(2)) != 0 {
		t.Fatal("log not dropped")
	}
	if e.Unread(2) != 0 {
		t.Fatal("unread not cleared")
	}
	if _, ok := e.index.Preview(2); ok {
		t.Fatal("preview not cleared")
	}
	if e.index.DeletedAt(2) <= 0 {
		t.Fatal("cutoff not recorded")
	}
	if e.reads.ReadAt(2) < 1000 {
		t.Fatal("read marker not reset forward")
	}
}

func TestEngineOnFocus(t *testing.T) {
	t.Run("empty mailbox is a no-op", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		if err := e.OnFocus(); err != nil {
			t.Fatalf("focus: %v", err)
		}
	})

	t.Run("group update renames and mutes", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		muted := true
		e.RecordAction(ActionGroupUpdate, 5, GroupUpdatePayload{Name: "Renamed", Muted: &muted})
		if err := e.OnFocus(); err != nil {
			t.Fatalf("focus: %v", err)
		}
		if e.index.Name(5) != "Renamed" {
			t.Fatal("name not applied")
		}
		if !e.index.Muted(5) {
			t.Fatal("mute not applied")
		}
	})

	t.Run("delete chat clears history", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		e.handleChatFrame(rawMsg("a", 2, 1000, "hi"))
		e.RecordAction(ActionDeleteChat, 2, nil)
		e.OnFocus()
		if len(e.Messages(2)) != 0 {
			t.Fatal("history not cleared by action")
		}
	})

	t.Run("group leave removes conversation entirely while open", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		e.handleChatFrame(json.RawMessage(`{"id":"g1","senderUid":2,"targetUid":42,"targetType":"group","content":"hi","createdAtMs":1000}`))
		e.OpenConversation(context.Background(), 42, TargetGroup)

		e.RecordAction(ActionGroupLeave, 42, nil)
		var applied *PendingAction
		e.On("action", func(_ string, payload any) {
			if a, ok := payload.(*PendingAction); ok {
				applied = a
			}
		})
		if err := e.OnFocus(); err != nil {
			t.Fatalf("focus: %v", err)
		}

		if applied == nil || applied.Type != ActionGroupLeave {
			t.Fatalf("action event not emitted: %+v", applied)
		}
		if len(e.Messages(42)) != 0 {
			t.Fatal("log survived leave")
		}
		if e.Unread(42) != 0 {
			t.Fatal("unread survived leave")
		}
		if _, ok := e.index.Preview(42); ok {
			t.Fatal("preview survived leave")
		}
		e.mu.RLock()
		active := e.activeKey
		e.mu.RUnlock()
		if active == 42 {
			t.Fatal("left group still active")
		}
		if e.index.DeletedAt(42) <= 0 {
			t.Fatal("leave must record a cutoff")
		}
	})

	t.Run("only latest action applies", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeBackend())
		e.RecordAction(ActionGroupUpdate, 5, GroupUpdatePayload{Name: "First"})
		e.RecordAction(ActionGroupUpdate, 6, GroupUpdatePayload{Name: "Second"})
		e.OnFocus()
		if e.index.Name(5) != "" {
			t.Fatal("overwritten action still applied")
		}
		if e.index.Name(6) != "Second" {
			t.Fatal("latest action not applied")
		}
	})
}

// ============================================================================
// Startup resilience
// ============================================================================

func TestEngineStartSurfacesOverviewFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	e := NewSyncEngine(client, EngineOptions{SelfUID: 7})

	var syncErrs []string
	e.On("sync.error", func(_ string, payload any) {
		if m, ok := payload.(map[string]any); ok {
			if s, ok := m["error"].(string); ok {
				syncErrs = append(syncErrs, s)
			}
		}
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("overview failure must not abort start: %v", err)
	}
	defer e.Stop()

	if len(syncErrs) != 1 || syncErrs[0] == "" {
		t.Fatalf("expected one sync.error event, got %v", syncErrs)
	}
}

// ============================================================================
// Hydration seeding
// ============================================================================

func TestEngineStartSeedsUnread(t *testing.T) {
	storage := NewMemoryStorage()
	storage.Set(storageKeyMessages, []byte(`{"2":[
		{"id":"a","senderUid":2,"targetUid":7,"targetType":"private","content":"x","createdAtMs":1000},
		{"id":"b","senderUid":2,"targetUid":7,"targetType":"private","content":"y","createdAtMs":2000}
	],"3":[
		{"id":"c","senderUid":3,"targetUid":7,"targetType":"private","content":"z","createdAtMs":3000}
	]}`))
	storage.Set(storageKeyReadState, []byte(`{"2":1000}`))
	storage.Set(storageKeyFlags, []byte(`{"3":{"muted":true}}`))

	backend := newFakeBackend()
	srv := httptest.NewServer(backend.mux)
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	e := NewSyncEngine(client, EngineOptions{SelfUID: 7, Storage: storage, PersistDebounce: time.Hour})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if got := e.Unread(2); got != 1 {
		t.Fatalf("expected 1 unread for key 2, got %d", got)
	}
	if got := e.Unread(3); got != 0 {
		t.Fatalf("muted conversation must seed zero, got %d", got)
	}
}
