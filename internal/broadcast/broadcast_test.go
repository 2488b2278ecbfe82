package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/protocol"
)

type sink struct {
	mu   sync.Mutex
	got  [][]byte
	fail bool
}

func (s *sink) handle(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("connection closed")
	}
	s.got = append(s.got, p)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestLocalPublishReachesCurrentSubscribers(t *testing.T) {
	d := NewLocalDispatcher()
	ctx := context.Background()
	room := chat.RoomTopic("r1")

	a, b, other := &sink{}, &sink{}, &sink{}
	require.NoError(t, d.Subscribe(room, "a", a.handle))
	require.NoError(t, d.Subscribe(room, "b", b.handle))
	require.NoError(t, d.Subscribe(chat.RoomTopic("r2"), "other", other.handle))

	require.NoError(t, d.Publish(ctx, room, []byte("hello")))
	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
	require.Zero(t, other.count())
}

func TestLocalNoReplayForLateSubscribers(t *testing.T) {
	d := NewLocalDispatcher()
	ctx := context.Background()
	room := chat.RoomTopic("r1")

	require.NoError(t, d.Publish(ctx, room, []byte("before")))

	late := &sink{}
	require.NoError(t, d.Subscribe(room, "late", late.handle))
	require.Zero(t, late.count())

	require.NoError(t, d.Publish(ctx, room, []byte("after")))
	require.Equal(t, 1, late.count())
}

func TestLocalFailedSubscriberIsNotRetried(t *testing.T) {
	d := NewLocalDispatcher()
	room := chat.RoomTopic("r1")

	ok, broken := &sink{}, &sink{fail: true}
	require.NoError(t, d.Subscribe(room, "ok", ok.handle))
	require.NoError(t, d.Subscribe(room, "broken", broken.handle))

	err := d.Publish(context.Background(), room, []byte("x"))
	require.ErrorIs(t, err, chat.ErrDispatchFailed)
	require.Equal(t, 1, ok.count())
	require.Zero(t, broken.count())
}

func TestLocalExpiredContext(t *testing.T) {
	d := NewLocalDispatcher()
	room := chat.RoomTopic("r1")
	s := &sink{}
	require.NoError(t, d.Subscribe(room, "s", s.handle))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Publish(ctx, room, []byte("x"))
	require.ErrorIs(t, err, chat.ErrDispatchFailed)
	require.Zero(t, s.count())
}

func TestLocalUnsubscribe(t *testing.T) {
	d := NewLocalDispatcher()
	room := chat.RoomTopic("r1")
	s := &sink{}

	require.NoError(t, d.Subscribe(room, "s", s.handle))
	require.NoError(t, d.Subscribe(chat.GlobalTopic, "s", s.handle))
	require.Equal(t, 1, d.Subscribers(room))

	require.NoError(t, d.Unsubscribe(room, "s"))
	require.Error(t, d.Unsubscribe(room, "s"))
	require.Zero(t, d.Subscribers(room))

	d.UnsubscribeAll("s")
	require.Zero(t, d.Subscribers(chat.GlobalTopic))

	require.NoError(t, d.Publish(context.Background(), chat.GlobalTopic, []byte("x")))
	require.Zero(t, s.count())
}

func TestPublisherEncodesOnTopic(t *testing.T) {
	d := NewLocalDispatcher()
	p := NewPublisher(d, time.Second, zerolog.Nop())

	global, room := &sink{}, &sink{}
	require.NoError(t, d.Subscribe(chat.GlobalTopic, "g", global.handle))
	require.NoError(t, d.Subscribe(chat.RoomTopic("r1"), "r", room.handle))

	msg := chat.Message{RoomID: "r1", Sender: "alice", Body: "hi", Timestamp: 5, Type: chat.TypeChat}
	require.NoError(t, p.PublishMessage(context.Background(), msg))

	require.Zero(t, global.count())
	require.Equal(t, 1, room.count())
	back, err := protocol.DecodeBroadcast(room.got[0])
	require.NoError(t, err)
	require.Equal(t, msg, back)
}

func TestNATSDispatcher(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	d, err := NewNATSDispatcher(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available at %s: %v", nats.DefaultURL, err)
	}
	defer d.Close()

	room := chat.RoomTopic("test-nats-room")
	got := make(chan []byte, 1)
	require.NoError(t, d.Subscribe(room, "s1", func(p []byte) error {
		got <- p
		return nil
	}))
	require.NoError(t, d.conn.Flush())

	require.NoError(t, d.Publish(context.Background(), room, []byte("over the wire")))
	select {
	case p := <-got:
		require.Equal(t, "over the wire", string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery through nats")
	}

	require.NoError(t, d.Unsubscribe(room, "s1"))
	d.mu.Lock()
	_, still := d.subs[room]
	d.mu.Unlock()
	require.False(t, still)
}

func TestNATSPublishIgnoresLocalHandlerFailure(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	d, err := NewNATSDispatcher(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available at %s: %v", nats.DefaultURL, err)
	}
	defer d.Close()

	room := chat.RoomTopic("test-nats-full-queue")
	called := make(chan struct{}, 1)
	require.NoError(t, d.Subscribe(room, "s1", func([]byte) error {
		called <- struct{}{}
		return errors.New("queue full")
	}))
	require.NoError(t, d.conn.Flush())

	require.NoError(t, d.Publish(context.Background(), room, []byte("x")))
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery through nats")
	}

	// The same failure is reported synchronously by the local dispatcher.
	local := NewLocalDispatcher()
	require.NoError(t, local.Subscribe(room, "s1", func([]byte) error { return errors.New("queue full") }))
	require.ErrorIs(t, local.Publish(context.Background(), room, []byte("x")), chat.ErrDispatchFailed)
}
