package chat

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseMessageType(t *testing.T) {
	cases := []struct {
		in   string
		want MessageType
		ok   bool
	}{
		{"CHAT", TypeChat, true},
		{"join", TypeJoin, true},
		{" Leave ", TypeLeave, true},
		{"SYSTEM", TypeSystem, true},
		{"TYPING", TypeUnset, false},
		{"", TypeUnset, false},
	}
	for _, c := range cases {
		got, ok := ParseMessageType(c.in)
		require.Equal(t, c.want, got, "input %q", c.in)
		require.Equal(t, c.ok, ok, "input %q", c.in)
	}
}

func TestMessageType_UnmarshalLenient(t *testing.T) {
	req := require.New(t)

	var m Message
	req.NoError(json.Unmarshal([]byte(`{"sender":"a","body":"x","type":"JOIN"}`), &m))
	req.Equal(TypeJoin, m.Type)

	m = Message{}
	req.NoError(json.Unmarshal([]byte(`{"sender":"a","type":"NOT_A_TYPE"}`), &m))
	req.Equal(TypeUnset, m.Type)

	m = Message{}
	req.NoError(json.Unmarshal([]byte(`{"sender":"a","type":null}`), &m))
	req.Equal(TypeUnset, m.Type)

	m = Message{}
	req.NoError(json.Unmarshal([]byte(`{"sender":"a","type":42}`), &m))
	req.Equal(TypeUnset, m.Type)
}

func TestMessage_MarshalUsesNames(t *testing.T) {
	req := require.New(t)
	data, err := json.Marshal(Message{RoomID: "r1", Sender: "ali", Body: "salam", Timestamp: 5, Type: TypeChat})
	req.NoError(err)
	req.JSONEq(`{"room_id":"r1","sender":"ali","body":"salam","timestamp":5,"type":"CHAT"}`, string(data))

	data, err = json.Marshal(Message{Sender: "ali"})
	req.NoError(err)
	req.JSONEq(`{"sender":"ali","body":"","timestamp":0,"type":null}`, string(data))
}

func TestTopics(t *testing.T) {
	req := require.New(t)
	req.Equal(GlobalTopic, TopicFor(""))
	req.Equal(Topic("chat.room.abc"), TopicFor("abc"))

	id, ok := RoomTopic("abc").RoomID()
	req.True(ok)
	req.Equal("abc", id)

	_, ok = GlobalTopic.RoomID()
	req.False(ok)
}

func TestValidRoomID(t *testing.T) {
	req := require.New(t)
	req.True(ValidRoomID("6f1c2a8e-9d7b-4c55-a4f4-0f1a2b3c4d5e"))
	req.False(ValidRoomID(""))
	req.False(ValidRoomID("a.b"))
	req.False(ValidRoomID("a*"))
	req.False(ValidRoomID("has space"))
	req.False(ValidRoomID(strings.Repeat("x", 129)))
}

func TestNotifications(t *testing.T) {
	req := require.New(t)
	now := time.UnixMilli(1700000000123)

	join := NewJoinNotification("r1", "yusuf", now)
	req.Equal(TypeJoin, join.Type)
	req.Equal("yusuf joined the room", join.Body)
	req.Equal(int64(1700000000123), join.Timestamp)

	leave := NewLeaveNotification("r1", "yusuf", now)
	req.Equal(TypeLeave, leave.Type)
	req.Equal("yusuf", leave.Sender)
	req.Equal("yusuf left the room", leave.Body)

	sys := NewSystemNotification("r1", "khutbah starts in 5 minutes", now)
	req.Equal(TypeSystem, sys.Type)
	req.Equal(SystemSender, sys.Sender)
}

func TestValidateBody(t *testing.T) {
	req := require.New(t)
	req.NoError(ValidateBody(""))
	req.NoError(ValidateBody("hello"))
	req.ErrorIs(ValidateBody(strings.Repeat("a", MaxBodyBytes+1)), ErrInvalidMessage)
	req.ErrorIs(ValidateBody(strings.Repeat("é", MaxBodyChars+1)), ErrInvalidMessage)
	req.ErrorIs(ValidateBody(string([]byte{0xff, 0xfe})), ErrInvalidMessage)
}
