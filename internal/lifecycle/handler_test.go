package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/presence"
)

type capture struct {
	msgs []chat.Message
	err  error
}

func (c *capture) PublishMessage(_ context.Context, m chat.Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

var now = time.Date(2026, 3, 6, 13, 30, 0, 0, time.UTC)

func newHandler() (*Handler, *presence.Tracker, *capture) {
	tr := presence.NewTracker()
	pub := &capture{}
	h := New(tr, pub, zerolog.Nop())
	h.SetClock(func() time.Time { return now })
	return h, tr, pub
}

func TestDisconnectAfterJoinBroadcastsOneLeave(t *testing.T) {
	h, tr, pub := newHandler()
	h.OnConnected("c1")
	tr.OnJoin("c1", "alice", "r1")

	leave, err := h.OnDisconnected(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, leave)

	require.Equal(t, []chat.Message{{
		RoomID:    "r1",
		Sender:    "alice",
		Body:      "alice left the room",
		Timestamp: now.UnixMilli(),
		Type:      chat.TypeLeave,
	}}, pub.msgs)
	require.Equal(t, chat.RoomTopic("r1"), pub.msgs[0].Topic())

	// A repeated disconnect is silent.
	leave, err = h.OnDisconnected(context.Background(), "c1")
	require.NoError(t, err)
	require.Nil(t, leave)
	require.Len(t, pub.msgs, 1)
}

func TestDisconnectWithoutJoinIsSilent(t *testing.T) {
	h, _, pub := newHandler()
	h.OnConnected("c2")

	leave, err := h.OnDisconnected(context.Background(), "c2")
	require.NoError(t, err)
	require.Nil(t, leave)
	require.Empty(t, pub.msgs)
}

func TestOnConnectedDoesNotJoin(t *testing.T) {
	h, tr, _ := newHandler()
	h.OnConnected("c3")
	_, ok := tr.Lookup("c3")
	require.False(t, ok)
}

func TestDisconnectPublishFailure(t *testing.T) {
	h, tr, pub := newHandler()
	pub.err = chat.ErrDispatchFailed
	tr.OnJoin("c1", "alice", "r1")

	_, err := h.OnDisconnected(context.Background(), "c1")
	require.ErrorIs(t, err, chat.ErrDispatchFailed)

	_, ok := tr.Lookup("c1")
	require.False(t, ok, "presence is released even when the broadcast fails")
}

func TestSendSystemNotification(t *testing.T) {
	h, _, pub := newHandler()

	msg, err := h.SendSystemNotification(context.Background(), "r1", "Khutbah starts in 5 minutes")
	require.NoError(t, err)
	require.Equal(t, chat.SystemSender, msg.Sender)
	require.Equal(t, chat.TypeSystem, msg.Type)
	require.Equal(t, []chat.Message{msg}, pub.msgs)
}

func TestSendSystemNotificationRejects(t *testing.T) {
	h, _, pub := newHandler()
	ctx := context.Background()

	_, err := h.SendSystemNotification(ctx, "", "text")
	require.ErrorIs(t, err, chat.ErrInvalidMessage)

	_, err = h.SendSystemNotification(ctx, "r1", "   ")
	require.ErrorIs(t, err, chat.ErrInvalidMessage)

	_, err = h.SendSystemNotification(ctx, "bad room", "text")
	require.True(t, errors.Is(err, chat.ErrRoomUnavailable))

	_, err = h.SendSystemNotification(ctx, "r1", strings.Repeat("a", chat.MaxBodyChars+1))
	require.ErrorIs(t, err, chat.ErrInvalidMessage)

	require.Empty(t, pub.msgs)

	_, err = h.SendSystemNotification(ctx, "r1", strings.Repeat("a", chat.MaxBodyChars))
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
}

func TestReleaseClearsLateJoin(t *testing.T) {
	h, tr, pub := newHandler()
	tr.OnJoin("c1", "bob", "r2")

	leave, err := h.Release(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, leave)
	require.Equal(t, chat.TypeLeave, leave.Type)
	require.Len(t, pub.msgs, 1)

	_, ok := tr.Lookup("c1")
	require.False(t, ok)
}
