package chatsync

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNotSubscribed           = errors.New("channel is not subscribed")
	ErrInvalidClientEvent      = errors.New("client events must use the \"client-\" prefix")
	ErrTransportNotInitialized = errors.New("realtime transport is not initialized")
	ErrNotConnected            = errors.New("not connected")
	ErrDurableWrite            = errors.New("durable write failed")
	ErrHistoryUnavailable      = errors.New("message history unavailable")
	ErrConversationNotOpen     = errors.New("conversation is not open")
	ErrMessageNotFound         = errors.New("message not found")
	ErrNoIdentity              = errors.New("no user identity")
)

// RelayError is an error reported by the relay over the realtime connection.
type RelayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RelayError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Enums
// ============================================================================

// MessageStatus is the delivery status shared with the other participant.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// DeliveryState is the local two-phase state of an outgoing message.
// It is cached on the device and never written to the durable store.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// PresenceState is a user's liveness.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// ============================================================================
// Messages & Conversations
// ============================================================================

// Message is a single chat message.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	ReceiverID     string            `json:"receiverId"`
	Text           string            `json:"text"`
	CreatedAt      time.Time         `json:"createdAt"`
	Read           bool              `json:"read"`
	Status         MessageStatus     `json:"status,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	ReplyTo        *MessageRef       `json:"replyTo,omitempty"`
	Seq            int64             `json:"seq,omitempty"`
	Delivery       DeliveryState     `json:"delivery,omitempty"`
}

// MessageRef is a shallow copy of a message taken when replying to it.
type MessageRef struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ref snapshots m for use as a reply reference.
func (m Message) Ref() *MessageRef {
	return &MessageRef{ID: m.ID, SenderID: m.SenderID, Text: m.Text, CreatedAt: m.CreatedAt}
}

func (m Message) clone() Message {
	if m.Reactions != nil {
		r := make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			r[k] = v
		}
		m.Reactions = r
	}
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		m.ReplyTo = &ref
	}
	return m
}

// ProfileSnapshot is the denormalized copy of a participant's profile.
type ProfileSnapshot struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
	Headline    string `json:"headline,omitempty"`
	Online      bool   `json:"online"`
}

// Conversation is a viewer-relative conversation summary.
type Conversation struct {
	ID            string          `json:"id"`
	Participants  [2]string       `json:"participants"`
	LastMessage   string          `json:"lastMessage,omitempty"`
	LastMessageAt time.Time       `json:"lastMessageAt,omitempty"`
	LastSenderID  string          `json:"lastSenderId,omitempty"`
	UnreadCount   int             `json:"unreadCount"`
	Counterpart   ProfileSnapshot `json:"counterpart"`
}

// PresenceRecord is a user's liveness as stored in the realtime database.
type PresenceRecord struct {
	UserID      string        `json:"userId,omitempty"`
	State       PresenceState `json:"state"`
	LastChanged int64         `json:"lastChanged"`
}

// ConversationID derives the deterministic conversation identity of a
// two-party thread from its participants.
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "_")
}

// ConversationChannel returns the bus channel name of a conversation.
func ConversationChannel(conversationID string) string {
	return "conversation-" + conversationID
}

// PresencePath returns the realtime KV path of a user's presence record.
func PresencePath(userID string) string {
	return "status/" + userID
}

// counterpartOf returns the participant that is not self.
func counterpartOf(participants [2]string, self string) string {
	if participants[0] == self {
		return participants[1]
	}
	return participants[0]
}

// ============================================================================
// Event payloads
// ============================================================================

const (
	EventMessage  = "client-message"
	EventTyping   = "client-typing"
	EventRead     = "client-read"
	EventReaction = "client-reaction"
)

// TypingPayload is broadcast while a participant is composing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadPayload is broadcast when a participant reads the conversation.
type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	ReadAt         int64  `json:"readAt"`
}

// ReactionPayload is broadcast when reaction broadcast is enabled.
type ReactionPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Token          string `json:"token"`
}

// ============================================================================
// Notices
// ============================================================================

// NoticeKind classifies a user-facing notification.
type NoticeKind string

const (
	NoticeTransport NoticeKind = "transport"
	NoticeDurable   NoticeKind = "durable"
	NoticeHistory   NoticeKind = "history"
)

// Notice is a transient notification surfaced to the user.
type Notice struct {
	Kind           NoticeKind
	ConversationID string
	MessageID      string
	Err            error
}
