package wavelink

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversation / Message model
// ============================================================================

// TargetType distinguishes direct-peer conversations from group
// conversations. Private and group keys share one numeric namespace, so
// the tag travels with every operation where the distinction matters
// (history endpoint selection, deletion).
type TargetType string

const (
	TargetPrivate TargetType = "private"
	TargetGroup   TargetType = "group"
)

// Message status values for locally originated messages. An empty status
// means the message came from the server and is authoritative.
const (
	MessagePending   = "pending"
	MessageConfirmed = "confirmed"
	MessageFailed    = "failed"
)

// Message is the normalized form of a chat message. ID is server-assigned
// and unique within one conversation; the wire form may carry it as a
// string or a number, normalization flattens both to a string.
// CreatedAtMs is derived (explicit field, else parsed CreatedAt, else
// arrival time) and is the sole ordering key within a conversation log.
type Message struct {
	ID          string          `json:"id"`
	SenderUID   int             `json:"senderUid"`
	TargetUID   int             `json:"targetUid"`
	TargetType  TargetType      `json:"targetType"`
	Content     string          `json:"content"`
	CreatedAt   string          `json:"createdAt"`
	CreatedAtMs int64           `json:"createdAtMs"`
	Status      string          `json:"status,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// ConversationOverview is the lightweight per-conversation summary
// returned by the overview endpoint: enough to seed list previews
// without fetching full message logs.
type ConversationOverview struct {
	Key        int        `json:"key"`
	TargetType TargetType `json:"targetType"`
	Name       string     `json:"name,omitempty"`
	LastText   string     `json:"lastText,omitempty"`
	LastTs     int64      `json:"lastTs,omitempty"`
}

// ConversationSummary is the derived list entry the UI renders: preview,
// flags, unread badge and online state for one conversation key.
type ConversationSummary struct {
	Key        int        `json:"key"`
	TargetType TargetType `json:"targetType,omitempty"`
	Name       string     `json:"name,omitempty"`
	Preview    Preview    `json:"preview"`
	Pinned     bool       `json:"pinned"`
	Muted      bool       `json:"muted"`
	Unread     int        `json:"unread"`
	Online     bool       `json:"online"`
}

// SendRequest is the payload for the HTTP send path.
type SendRequest struct {
	TargetUID  int        `json:"targetUid"`
	TargetType TargetType `json:"targetType"`
	Content    string     `json:"content"`
	ClientID   string     `json:"clientId,omitempty"`
}
