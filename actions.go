package wavelink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Cross-screen pending actions
// ============================================================================

// ActionType tags a pending cross-screen action.
type ActionType string

const (
	ActionGroupUpdate     ActionType = "group_update"
	ActionDeleteChat      ActionType = "delete_chat"
	ActionGroupDeleteChat ActionType = "group_delete_chat"
	ActionGroupLeave      ActionType = "group_leave"
)

// PendingAction is a durable mutation request recorded by a secondary
// screen (group settings, profile) and applied by the primary screen on
// its next focus. The mailbox holds a single slot: recording a second
// action before the first is consumed overwrites it. Latest-wins is a
// known, accepted limitation of this design — callers that need every
// action to survive must apply it through the engine directly.
type PendingAction struct {
	ID              string          `json:"id"`
	Type            ActionType      `json:"type"`
	ConversationKey int             `json:"conversationKey"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	At              int64           `json:"at"`
}

// GroupUpdatePayload is the payload for ActionGroupUpdate.
type GroupUpdatePayload struct {
	Name  string `json:"name,omitempty"`
	Muted *bool  `json:"muted,omitempty"`
}

// ActionMailbox is the single-slot durable mailbox.
type ActionMailbox struct {
	storage Storage
}

// NewActionMailbox creates a mailbox over the given storage.
func NewActionMailbox(storage Storage) *ActionMailbox {
	return &ActionMailbox{storage: storage}
}

// Record writes an action into the slot, replacing whatever was there.
func (m *ActionMailbox) Record(typ ActionType, key int, payload any) error {
	if key <= 0 {
		return fmt.Errorf("invalid conversation key %d", key)
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("cannot encode action payload: %w", err)
		}
		raw = b
	}
	a := PendingAction{
		ID:              uuid.NewString(),
		Type:            typ,
		ConversationKey: key,
		Payload:         raw,
		At:              time.Now().UnixMilli(),
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("cannot encode action: %w", err)
	}
	return m.storage.Set(storageKeyAction, b)
}

// Take reads and clears the slot. Returns nil when the slot is empty or
// holds something unreadable — a malformed record is dropped, not
// surfaced as a crash.
func (m *ActionMailbox) Take() (*PendingAction, error) {
	raw, err := m.storage.Get(storageKeyAction)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if err := m.storage.Remove(storageKeyAction); err != nil {
		return nil, err
	}
	var a PendingAction
	if json.Unmarshal(raw, &a) != nil || a.ConversationKey <= 0 {
		return nil, nil
	}
	return &a, nil
}
