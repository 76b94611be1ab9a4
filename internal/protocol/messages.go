// Package protocol defines the WebSocket message types and structures used for
// communication between the CRM client and the chat server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom         = "join_room"
	TypeSendMessage      = "send_message"
	TypeTyping           = "typing"
	TypeMessageDelivered = "message_delivered"
	TypeMessageRead      = "message_read"
	TypeGetOrCreateChat  = "get_or_create_chat"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session_created"
	TypeRoomJoined      = "room_joined"
	TypeChatReady       = "chat_ready"
	TypeNewMessage      = "new_message"
	TypeMessageStatus   = "message_status"
	TypeNewConversation = "new_conversation"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError       = "parse_error"
	CodeUnsupportedType  = "unsupported_type"
	CodeInvalidMessage   = "invalid_message"
	CodeNotParticipant   = "not_participant"
	CodeSelfConversation = "self_conversation"
	CodeSelfMessage      = "self_message"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared entities
// ---------------------------------------------------------------------------

// Message is the wire representation of a persisted chat message.
type Message struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Body           string    `json:"body"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is the wire representation of a conversation record.
type Conversation struct {
	ID           string    `json:"id"`
	ListingID    string    `json:"listing_id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg is sent by the client to subscribe to a conversation's events.
// Membership does not survive reconnects; clients re-join after every
// transport-level reconnection.
type JoinRoomMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SendMessageMsg is sent by the client to post a text message into a
// conversation. The author is the authenticated user on the connection.
// ToUserID is optional; when present it must name the counterpart.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	ToUserID       string `json:"to_user_id,omitempty"`
}

// TypingMsg signals that the user is currently composing a message. It is
// fire-and-forget: there is no "stopped typing" counterpart, consumers expire
// the indicator locally.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// MessageDeliveredMsg is the recipient's application-level acknowledgment
// that a message arrived over the live connection.
type MessageDeliveredMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// MessageReadMsg is sent when the recipient has rendered the conversation
// containing the message.
type MessageReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// GetOrCreateChatMsg resolves the conversation between the authenticated user
// and PeerID about a listing, creating it if it does not exist. The server
// answers with ChatReadyMsg.
type GetOrCreateChatMsg struct {
	Type      string `json:"type"`
	ListingID string `json:"listing_id"`
	PeerID    string `json:"peer_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server once the authenticated connection
// is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// RoomJoinedMsg acknowledges a join_room request.
type RoomJoinedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// ChatReadyMsg answers get_or_create_chat with the resolved conversation id.
// Created is true if this call created the conversation.
type ChatReadyMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Created        bool   `json:"created"`
}

// NewMessageMsg carries a freshly persisted message to every connection
// subscribed to the conversation's room, the author's own tabs included.
type NewMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// MessageStatusMsg broadcasts a delivery-state transition for a message.
// Status is one of "delivered" or "read" and never regresses.
type MessageStatusMsg struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// NewConversationMsg notifies the counterpart that a conversation now exists,
// so their client can join the room without polling.
type NewConversationMsg struct {
	Type         string       `json:"type"`
	Conversation Conversation `json:"conversation"`
}

// ServerTypingMsg relays a typing signal to the other room subscribers.
type ServerTypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageDelivered:
		var m MessageDeliveredMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageRead:
		var m MessageReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetOrCreateChat:
		var m GetOrCreateChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
