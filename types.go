package orbit

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned synchronously to a caller.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Credentials identify the local user to the transport. Token is opaque to
// the core; it is neither interpreted nor refreshed here.
type Credentials struct {
	UserID string
	Token  string
}

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for all inbound events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// MessagePayload is delivered when a new message arrives in a conversation.
type MessagePayload struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	SenderID       string         `json:"senderId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"createdAt"`
}

// TypingPayload is delivered when a user starts or stops typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresencePayload is delivered when a user's presence status changes.
type PresencePayload struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// ReadReceiptPayload is delivered when a remote user marks messages read.
type ReadReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UpToMessageID  string `json:"upToMessageId,omitempty"`
	ReadAt         string `json:"readAt,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ServerErrorPayload is delivered when a server-side error occurs.
type ServerErrorPayload struct {
	Message string `json:"message"`
}

// presenceStatePayload answers a presence.query command.
type presenceStatePayload struct {
	RequestID string            `json:"requestId"`
	Users     []PresencePayload `json:"users"`
}

// DisconnectInfo describes why the transport went down.
type DisconnectInfo struct {
	Code   int
	Reason string
}

// ============================================================================
// Presence
// ============================================================================

// PresenceStatus is a user's coarse availability as seen by other clients.
type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceAway      PresenceStatus = "away"
	PresenceOffline   PresenceStatus = "offline"
	PresenceBusy      PresenceStatus = "busy"
	PresenceInvisible PresenceStatus = "invisible"
)

// UserPresence is the cached presence of a single user. LastSeen is nil when
// the server did not report one.
type UserPresence struct {
	Status   PresenceStatus
	LastSeen *time.Time
}

// ============================================================================
// Offline Queue
// ============================================================================

// QueuedAction is a pending outbound action persisted while disconnected.
// Entries are replayed FIFO by EnqueuedAt and removed only once the network
// call for them succeeds.
type QueuedAction struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	Endpoint   string            `json:"endpoint"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is what the dispatcher hands to the OS notification surface.
type Notification struct {
	Title   string
	Body    string
	Tag     string
	Actions []string
	Silent  bool
}

// Notifier is the OS notification surface consumed by the dispatcher.
// Dispatching a notification whose tag matches a visible one replaces it.
type Notifier interface {
	Notify(n Notification) error
	Dismiss(tag string) error
}

// unmarshalPayload decodes an envelope payload into v.
func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(data, v)
}
