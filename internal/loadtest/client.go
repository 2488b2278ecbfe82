// Package loadtest drives simulated chat users against a running server and
// aggregates their latencies.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/protocol"
)

// Metrics is one client's counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated user. Frames are read on a background goroutine
// and passed to the handler registered for their type.
type Client struct {
	conn      net.Conn
	r         io.Reader
	writeMu   sync.Mutex
	sessionID atomic.Value // string
	session   chan struct{}
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64
}

// Dial connects to url. Handlers must be registered via On before the
// returned client's Start is called.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("loadtest: dial %s: %w", url, err)
	}

	c := &Client{
		conn:           conn,
		r:              conn,
		session:        make(chan struct{}),
		handlers:       make(map[string]func(json.RawMessage)),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
	}
	if br != nil {
		c.r = br
	}
	return c, nil
}

// On registers the handler for a server frame type, replacing any earlier
// one. Handlers run on the read goroutine.
func (c *Client) On(frameType string, h func(json.RawMessage)) {
	c.handlers[frameType] = h
}

// Start begins reading frames.
func (c *Client) Start() {
	go c.readLoop()
}

// WaitForSession blocks until session_created arrives.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("loadtest: connection closed before session_created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionID returns the server-assigned connection id, or "".
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Subscribe asks for broadcasts of roomID ("" for the global channel).
func (c *Client) Subscribe(roomID string) error {
	return c.send(protocol.SubscribeMsg{Type: protocol.TypeSubscribe, RoomID: roomID})
}

// Join announces username in roomID.
func (c *Client) Join(roomID, username string) error {
	return c.SendMessage(roomID, chat.Message{Sender: username, Type: chat.TypeJoin})
}

// SendMessage sends m to roomID.
func (c *Client) SendMessage(roomID string, m chat.Message) error {
	return c.send(protocol.SendMsg{Type: protocol.TypeSend, RoomID: roomID, Message: &m})
}

func (c *Client) send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("loadtest: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

// Close is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	rw := struct {
		io.Reader
		io.Writer
	}{c.r, &lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
				c.Close()
			}
			return
		}
		c.received.Add(1)

		var env struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type == protocol.TypeSessionCreated && env.SessionID != "" && c.SessionID() == "" {
			c.sessionID.Store(env.SessionID)
			close(c.session)
		}
		if h, ok := c.handlers[env.Type]; ok {
			h(json.RawMessage(data))
		}
	}
}

// lockedWriter lets control-frame replies share the client's write mutex.
type lockedWriter struct{ c *Client }

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
