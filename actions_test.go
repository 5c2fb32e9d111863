package wavelink

import (
	"encoding/json"
	"testing"
)

// ============================================================================
// ActionMailbox
// ============================================================================

func TestActionMailbox(t *testing.T) {
	t.Run("record and take", func(t *testing.T) {
		m := NewActionMailbox(NewMemoryStorage())
		if err := m.Record(ActionDeleteChat, 42, nil); err != nil {
			t.Fatalf("record: %v", err)
		}
		a, err := m.Take()
		if err != nil {
			t.Fatalf("take: %v", err)
		}
		if a == nil || a.Type != ActionDeleteChat || a.ConversationKey != 42 {
			t.Fatalf("bad action: %+v", a)
		}
		if a.ID == "" || a.At <= 0 {
			t.Fatalf("expected id and timestamp filled, got %+v", a)
		}
	})

	t.Run("take clears the slot", func(t *testing.T) {
		m := NewActionMailbox(NewMemoryStorage())
		m.Record(ActionDeleteChat, 1, nil)
		m.Take()
		a, err := m.Take()
		if err != nil || a != nil {
			t.Fatalf("expected empty second take, got (%+v, %v)", a, err)
		}
	})

	t.Run("latest wins", func(t *testing.T) {
		m := NewActionMailbox(NewMemoryStorage())
		m.Record(ActionDeleteChat, 1, nil)
		m.Record(ActionGroupLeave, 2, nil)
		a, _ := m.Take()
		if a == nil || a.Type != ActionGroupLeave || a.ConversationKey != 2 {
			t.Fatalf("expected the later action, got %+v", a)
		}
	})

	t.Run("payload round trip", func(t *testing.T) {
		m := NewActionMailbox(NewMemoryStorage())
		muted := true
		m.Record(ActionGroupUpdate, 5, GroupUpdatePayload{Name: "New Name", Muted: &muted})
		a, _ := m.Take()
		if a == nil {
			t.Fatal("expected action")
		}
		var p GroupUpdatePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.Name != "New Name" || p.Muted == nil || !*p.Muted {
			t.Fatalf("bad payload: %+v", p)
		}
	})

	t.Run("invalid key rejected at record", func(t *testing.T) {
		m := NewActionMailbox(NewMemoryStorage())
		if err := m.Record(ActionDeleteChat, 0, nil); err == nil {
			t.Fatal("expected error for key 0")
		}
		if err := m.Record(ActionDeleteChat, -1, nil); err == nil {
			t.Fatal("expected error for negative key")
		}
	})

	t.Run("malformed slot dropped silently", func(t *testing.T) {
		storage := NewMemoryStorage()
		storage.Set(storageKeyAction, []byte(`{{{`))
		m := NewActionMailbox(storage)
		a, err := m.Take()
		if err != nil || a != nil {
			t.Fatalf("expected (nil, nil) for corrupt slot, got (%+v, %v)", a, err)
		}
		if b, _ := storage.Get(storageKeyAction); b != nil {
			t.Fatal("corrupt slot not cleared")
		}
	})

	t.Run("slot with invalid key dropped", func(t *testing.T) {
		storage := NewMemoryStorage()
		storage.Set(storageKeyAction, []byte(`{"id":"x","type":"delete_chat","conversationKey":0,"at":1}`))
		m := NewActionMailbox(storage)
		a, err := m.Take()
		if err != nil || a != nil {
			t.Fatalf("expected (nil, nil), got (%+v, %v)", a, err)
		}
	})
}
