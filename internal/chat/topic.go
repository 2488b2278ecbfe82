package chat

import "strings"

// Topic is a broadcast destination. Topics double as NATS subjects.
type Topic string

const (
	// GlobalTopic carries messages sent without a room.
	GlobalTopic Topic = "chat.global"

	roomTopicPrefix = "chat.room."
)

// RoomTopic returns the topic for one room.
func RoomTopic(roomID string) Topic {
	return Topic(roomTopicPrefix + roomID)
}

// TopicFor returns RoomTopic(roomID), or GlobalTopic for an empty id.
func TopicFor(roomID string) Topic {
	if roomID == "" {
		return GlobalTopic
	}
	return RoomTopic(roomID)
}

// RoomID extracts the room id from a room topic. ok is false for the global
// topic and for anything that is not a room topic.
func (t Topic) RoomID() (string, bool) {
	s := string(t)
	if !strings.HasPrefix(s, roomTopicPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, roomTopicPrefix), true
}

// ValidRoomID reports whether id can be used as a room identifier. Ids become
// subject tokens, so separators and wildcards are refused.
func ValidRoomID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, ". \t\r\n*>#")
}
