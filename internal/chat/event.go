package chat

import "time"

// NewJoinNotification builds the synthetic notice broadcast in place of a
// client's JOIN message.
func NewJoinNotification(roomID, username string, now time.Time) Message {
	return Message{
		RoomID:    roomID,
		Sender:    username,
		Body:      username + " joined the room",
		Timestamp: Millis(now),
		Type:      TypeJoin,
	}
}

// NewLeaveNotification builds the notice broadcast when a joined connection
// goes away.
func NewLeaveNotification(roomID, username string, now time.Time) Message {
	return Message{
		RoomID:    roomID,
		Sender:    username,
		Body:      username + " left the room",
		Timestamp: Millis(now),
		Type:      TypeLeave,
	}
}

// NewSystemNotification builds a server-originated notice for a room.
func NewSystemNotification(roomID, text string, now time.Time) Message {
	return Message{
		RoomID:    roomID,
		Sender:    SystemSender,
		Body:      text,
		Timestamp: Millis(now),
		Type:      TypeSystem,
	}
}
