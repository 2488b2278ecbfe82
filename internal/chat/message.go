// Package chat holds the message model shared by the wire protocol, the
// router and every room store, together with topic naming and the error
// taxonomy of the messaging pipeline.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// AnonymousSender replaces a blank sender.
	AnonymousSender = "Anonymous"

	// SystemSender is the sender of server-generated SYSTEM notices.
	SystemSender = "System"
)

// MessageType is the kind of a chat message. The zero value is TypeUnset and
// never reaches a store: the router resolves it to TypeChat.
type MessageType uint8

const (
	TypeUnset MessageType = iota
	TypeChat
	TypeJoin
	TypeLeave
	TypeSystem
)

var typeNames = map[MessageType]string{
	TypeChat:   "CHAT",
	TypeJoin:   "JOIN",
	TypeLeave:  "LEAVE",
	TypeSystem: "SYSTEM",
}

// ParseMessageType maps a name (case-insensitive) to its MessageType. Unknown
// names yield TypeUnset and false.
func ParseMessageType(s string) (MessageType, bool) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return TypeUnset, false
}

// Valid reports whether t is one of the four known kinds.
func (t MessageType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

func (t MessageType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return ""
}

// MarshalJSON encodes the type as its upper-case name, or null when unset.
func (t MessageType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts a name or null. Anything that does not parse decodes
// to TypeUnset rather than failing, so a bad type never rejects a message.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = TypeUnset
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*t = TypeUnset
		return nil
	}
	*t, _ = ParseMessageType(s)
	return nil
}

// Message is both the wire payload and the persisted record.
type Message struct {
	RoomID    string      `json:"room_id,omitempty"` // empty for the global channel
	Sender    string      `json:"sender"`
	Body      string      `json:"body"`
	Timestamp int64       `json:"timestamp"` // milliseconds since epoch
	Type      MessageType `json:"type"`
}

// IsGlobal reports whether the message targets the global channel.
func (m Message) IsGlobal() bool {
	return m.RoomID == ""
}

// Topic returns the broadcast topic for the message's room.
func (m Message) Topic() Topic {
	return TopicFor(m.RoomID)
}

func (m Message) String() string {
	return fmt.Sprintf("%s room=%q sender=%q ts=%d", m.Type, m.RoomID, m.Sender, m.Timestamp)
}

// Millis converts t to the millisecond timestamps carried by Message.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
