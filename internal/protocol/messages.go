// Package protocol defines the WebSocket frames exchanged between chat
// clients and the server. Every frame is a JSON object with a "type"
// discriminator; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jummah/chat-server/internal/chat"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeSend        = "send"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Server -> Client frame types.
const (
	TypeSessionCreated = "session_created"
	TypeSubscribed     = "subscribed"
	TypeUnsubscribed   = "unsubscribed"
	TypeMessage        = "message"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidFrame    = "invalid_frame"
	CodeInvalidMessage  = "invalid_message"
	CodeInvalidRoom     = "invalid_room"
	CodeRoomUnavailable = "room_unavailable"
	CodeInternal        = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

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
// Client -> Server frames
// ---------------------------------------------------------------------------

// SendMsg carries a chat message to a room, or to the global channel when
// RoomID is empty. The destination room id takes precedence over any room id
// inside Message.
type SendMsg struct {
	Type    string        `json:"type"`
	RoomID  string        `json:"room_id,omitempty"`
	Message *chat.Message `json:"message"`
}

// SubscribeMsg asks to receive broadcasts for a room (or the global channel).
type SubscribeMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

// UnsubscribeMsg stops broadcasts for a room (or the global channel).
type UnsubscribeMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the connection is registered.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SubscribedMsg confirms a subscription.
type SubscribedMsg struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	RoomID string `json:"room_id,omitempty"`
}

// UnsubscribedMsg confirms an unsubscribe.
type UnsubscribedMsg struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	RoomID string `json:"room_id,omitempty"`
}

// BroadcastMsg delivers a chat message or notification to a subscriber.
type BroadcastMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// RateLimitedMsg is sent when the client exceeded its message budget.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg reports a failure to the originating connection only.
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

// ParseClientMessage decodes raw WebSocket bytes into a typed client frame.
// It returns the frame type, the decoded struct and any parse error. Unknown
// and server-only types are errors.
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
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
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

// NewServerMessage marshals payload and injects msgType under "type".
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
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

// EncodeBroadcast builds the "message" frame for msg. Broadcast frames are
// encoded once per publish and shared by every subscriber.
func EncodeBroadcast(msg chat.Message) ([]byte, error) {
	out, err := json.Marshal(BroadcastMsg{Type: TypeMessage, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal broadcast: %w", err)
	}
	return out, nil
}

// DecodeBroadcast is the inverse of EncodeBroadcast.
func DecodeBroadcast(data []byte) (chat.Message, error) {
	var b BroadcastMsg
	if err := json.Unmarshal(data, &b); err != nil {
		return chat.Message{}, fmt.Errorf("protocol: failed to unmarshal broadcast: %w", err)
	}
	if b.Type != TypeMessage {
		return chat.Message{}, fmt.Errorf("protocol: unexpected broadcast type %q", b.Type)
	}
	return b.Message, nil
}

// NewError builds an error frame, falling back to a fixed frame if encoding
// fails.
func NewError(code, message string) []byte {
	out, err := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	if err != nil {
		return []byte(`{"type":"error","code":"internal_error","message":"encoding failed"}`)
	}
	return out
}
