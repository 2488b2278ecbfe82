package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/protocol"
)

func TestOwnDelivery(t *testing.T) {
	sent := time.Now().Add(-50 * time.Millisecond)
	frame, err := protocol.EncodeBroadcast(chat.Message{RoomID: "r", Body: marker("s1", sent) + "xxxx"})
	require.NoError(t, err)

	d, ok := ownDelivery(json.RawMessage(frame), "s1")
	require.True(t, ok)
	require.GreaterOrEqual(t, d, 50*time.Millisecond)

	_, ok = ownDelivery(json.RawMessage(frame), "s2")
	require.False(t, ok)

	other, err := protocol.EncodeBroadcast(chat.Message{RoomID: "r", Body: "alice joined the room"})
	require.NoError(t, err)
	_, ok = ownDelivery(json.RawMessage(other), "s1")
	require.False(t, ok)
}
