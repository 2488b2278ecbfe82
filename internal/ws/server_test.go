package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jummah/chat-server/internal/broadcast"
	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/events"
	"github.com/jummah/chat-server/internal/lifecycle"
	"github.com/jummah/chat-server/internal/presence"
	"github.com/jummah/chat-server/internal/protocol"
	"github.com/jummah/chat-server/internal/router"
	"github.com/jummah/chat-server/internal/store"
)

type harness struct {
	addr     string
	server   *Server
	store    *store.MemoryStore
	presence *presence.Tracker
	topics   *broadcast.LocalDispatcher
	chat     *Chat
}

func newHarness(t *testing.T, cfg ServerConfig, ropts ...router.Option) *harness {
	t.Helper()
	log := zerolog.Nop()

	st := store.NewMemoryStore()
	tr := presence.NewTracker()
	topics := broadcast.NewLocalDispatcher()
	pub := broadcast.NewPublisher(topics, time.Second, log)
	rt := router.New(router.DefaultConfig(), st, tr, append([]router.Option{router.WithPublisher(pub)}, ropts...)...)
	lc := lifecycle.New(tr, pub, log)

	d := NewMessageDispatcher(log)
	srv := NewServer(cfg, d.Dispatch, log)
	ch := NewChat(rt, topics, lc, log)
	ch.Attach(srv, d)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &harness{addr: ln.Addr().String(), server: srv, store: st, presence: tr, topics: topics, chat: ch}
}

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat.Interval = 0
	return cfg
}

type client struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
	id   string
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws://"+h.addr+"/ws")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c := &client{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}

	hello := c.expect(protocol.TypeSessionCreated)
	c.id, _ = hello["session_id"].(string)
	require.NotEmpty(t, c.id)
	return c
}

func (c *client) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, wsutil.WriteClientText(c.conn, []byte(frame)))
}

func (c *client) next() (map[string]interface{}, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *client) expect(frameType string) map[string]interface{} {
	c.t.Helper()
	m, err := c.next()
	require.NoError(c.t, err)
	require.Equal(c.t, frameType, m["type"], "frame: %v", m)
	return m
}

func (c *client) expectMessage() map[string]interface{} {
	c.t.Helper()
	m := c.expect(protocol.TypeMessage)
	msg, ok := m["message"].(map[string]interface{})
	require.True(c.t, ok)
	return msg
}

func TestSessionCreatedOnConnect(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.dial(t)

	require.Eventually(t, func() bool { return h.server.Connections().Has(c.id) }, time.Second, 10*time.Millisecond)
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.dial(t)

	c.send(`{"type":"ping"}`)
	c.expect(protocol.TypePong)
}

func TestRoomMessageReachesSubscribers(t *testing.T) {
	h := newHarness(t, testConfig())
	alice, bob := h.dial(t), h.dial(t)

	alice.send(`{"type":"subscribe","room_id":"r1"}`)
	sub := alice.expect(protocol.TypeSubscribed)
	require.Equal(t, "chat.room.r1", sub["topic"])
	bob.send(`{"type":"subscribe","room_id":"r1"}`)
	bob.expect(protocol.TypeSubscribed)

	alice.send(`{"type":"send","room_id":"r1","message":{"sender":"alice","body":"salaam","type":"CHAT"}}`)

	for _, c := range []*client{alice, bob} {
		msg := c.expectMessage()
		require.Equal(t, "r1", msg["room_id"])
		require.Equal(t, "alice", msg["sender"])
		require.Equal(t, "salaam", msg["body"])
		require.Equal(t, "CHAT", msg["type"])
	}

	hist, err := h.store.History(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestGlobalMessage(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.dial(t)

	c.send(`{"type":"subscribe"}`)
	require.Equal(t, string(chat.GlobalTopic), c.expect(protocol.TypeSubscribed)["topic"])

	c.send(`{"type":"send","message":{"body":"hello everyone"}}`)
	msg := c.expectMessage()
	require.Equal(t, chat.AnonymousSender, msg["sender"])
	require.Equal(t, "CHAT", msg["type"])
}

func TestJoinThenDisconnectAnnouncesLeave(t *testing.T) {
	h := newHarness(t, testConfig())
	alice, bob := h.dial(t), h.dial(t)

	bob.send(`{"type":"subscribe","room_id":"r1"}`)
	bob.expect(protocol.TypeSubscribed)

	alice.send(`{"type":"send","room_id":"r1","message":{"sender":"alice","type":"JOIN"}}`)
	join := bob.expectMessage()
	require.Equal(t, "JOIN", join["type"])
	require.Equal(t, "alice joined the room", join["body"])
	require.Equal(t, chat.SystemSender, join["sender"])

	require.Eventually(t, func() bool {
		_, ok := h.presence.Lookup(alice.id)
		return ok
	}, time.Second, 10*time.Millisecond)

	alice.conn.Close()

	leave := bob.expectMessage()
	require.Equal(t, "LEAVE", leave["type"])
	require.Equal(t, "alice left the room", leave["body"])

	_, ok := h.presence.Lookup(alice.id)
	require.False(t, ok)

	// JOINs are not persisted.
	n, err := h.store.Count(context.Background(), "r1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSendWithoutMessage(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.dial(t)

	c.send(`{"type":"send","room_id":"r1","message":null}`)
	e := c.expect(protocol.TypeError)
	require.Equal(t, protocol.CodeInvalidMessage, e["code"])
}

func TestMalformedFrame(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.dial(t)

	c.send(`{not json`)
	require.Equal(t, protocol.CodeInvalidFrame, c.expect(protocol.TypeError)["code"])

	c.send(`{"type":"find_match"}`)
	require.Equal(t, protocol.CodeInvalidFrame, c.expect(protocol.TypeError)["code"])
}

func TestSubscribeInvalidRoom(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.dial(t)

	c.send(`{"type":"subscribe","room_id":"a.b"}`)
	require.Equal(t, protocol.CodeInvalidRoom, c.expect(protocol.TypeError)["code"])
}

func TestRoomUnavailableGoesToSenderOnly(t *testing.T) {
	h := newHarness(t, testConfig(), router.WithEvents(events.NewStatic("known")))
	alice, bob := h.dial(t), h.dial(t)

	bob.send(`{"type":"subscribe","room_id":"unknown"}`)
	bob.expect(protocol.TypeSubscribed)

	alice.send(`{"type":"send","room_id":"unknown","message":{"sender":"alice","body":"hi"}}`)
	require.Equal(t, protocol.CodeRoomUnavailable, alice.expect(protocol.TypeError)["code"])

	// Bob never hears about it: his next frame is the pong.
	bob.send(`{"type":"ping"}`)
	bob.expect(protocol.TypePong)

	exists, err := h.store.Exists(context.Background(), "unknown")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.dial(t)

	c.send(`{"type":"subscribe","room_id":"r1"}`)
	c.expect(protocol.TypeSubscribed)
	c.send(`{"type":"unsubscribe","room_id":"r1"}`)
	c.expect(protocol.TypeUnsubscribed)

	c.send(`{"type":"send","room_id":"r1","message":{"body":"into the void"}}`)
	c.send(`{"type":"ping"}`)
	c.expect(protocol.TypePong)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameBytes = 64
	h := newHarness(t, cfg)
	c := h.dial(t)

	c.send(`{"type":"send","message":{"body":"` + strings.Repeat("x", 200) + `"}}`)

	_, err := c.next()
	require.Error(t, err)
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		require.Equal(t, ws.StatusMessageTooBig, closed.Code)
	}
	require.Eventually(t, func() bool { return !h.server.Connections().Has(c.id) }, time.Second, 10*time.Millisecond)
}

func TestShutdownRemovesConnections(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.dial(t)
	c.send(`{"type":"send","room_id":"r1","message":{"sender":"alice","type":"JOIN"}}`)
	require.Eventually(t, func() bool { return h.presence.Len() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))

	require.Zero(t, h.server.Connections().Count())
	require.Zero(t, h.presence.Len())
}

func TestSubscribeAfterRemovalLeavesNoHandler(t *testing.T) {
	h := newHarness(t, testConfig())

	a, b := net.Pipe()
	defer b.Close()
	c := newConnection("gone", a)
	defer c.Close()

	// Registered and then swept, as a disconnect does before a queued
	// subscribe frame reaches its worker.
	h.server.Connections().Add(c)
	h.server.Connections().Remove(c.ID)
	h.topics.UnsubscribeAll(c.ID)

	h.chat.handleSubscribe(c, protocol.SubscribeMsg{Type: protocol.TypeSubscribe, RoomID: "r1"})

	topic := chat.RoomTopic("r1")
	require.Zero(t, h.topics.Subscribers(topic))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.topics.Publish(context.Background(), topic, []byte(`{}`)))
	}
}
