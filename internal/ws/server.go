// Package ws is the chat server's WebSocket transport. Connections are
// upgraded with gobwas/ws, registered with epoll for read readiness, and
// their frames are read by a bounded worker pool and handed to a dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jummah/chat-server/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameBytes  int64         // larger messages close the connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  8192,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts WebSocket clients and feeds their text frames to onMessage.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(connID string)
	mu           sync.Mutex // guards epoll and httpServer between Serve and Shutdown
	httpServer   *http.Server
	log          zerolog.Logger
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame; frames from one connection are never handled
// concurrently.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), logger zerolog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		log:        logger.With().Str("component", "ws").Logger(),
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked once a connection is registered,
// before session_created is queued.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once per removed connection
// (read error, close frame, heartbeat timeout, write failure or shutdown).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts WebSocket upgrades on ln. It blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	ep.SetReadHandler(s.handleConn)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = ep.Close()
		_ = ln.Close()
		return nil
	default:
	}
	s.epoll = ep
	s.httpServer = srv
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades the request, registers the connection with the
// manager and epoll, and greets the client with session_created.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), conn)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Err(err).Str("conn_id", c.ID).Msg("epoll add failed")
		s.conns.Remove(c.ID)
		return
	}

	go c.writeLoop(s.config.WriteTimeout, func(err error) {
		s.log.Debug().Err(err).Str("conn_id", c.ID).Msg("write failed")
		s.RemoveConnection(c)
	})

	if s.onConnect != nil {
		s.onConnect(c)
	}

	greeting, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID})
	if err != nil {
		s.log.Error().Err(err).Str("conn_id", c.ID).Msg("failed to build session_created")
	} else if err := c.Enqueue(greeting); err != nil {
		s.log.Warn().Err(err).Str("conn_id", c.ID).Msg("failed to queue session_created")
	}

	s.log.Debug().Str("conn_id", c.ID).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("new connection")
}

// handleHealth reports liveness, connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready connection to a worker, bounded by the
// worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one WebSocket message from a ready connection. Read
// timeouts leave the connection alone; any other failure removes it.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same fd twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	c.Touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.closeTooBig(c)
		return
	}

	var src io.Reader = reader
	if s.config.MaxFrameBytes > 0 {
		src = io.LimitReader(reader, s.config.MaxFrameBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	if s.config.MaxFrameBytes > 0 && int64(len(data)) > s.config.MaxFrameBytes {
		s.closeTooBig(c)
		return
	}
	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// handleControl answers pings and honours close frames.
func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	payload, _ := io.ReadAll(io.LimitReader(reader, ws.MaxControlFramePayloadSize))

	switch header.OpCode {
	case ws.OpClose:
		_ = c.writeClose(ws.StatusNormalClosure, "")
		s.RemoveConnection(c)
	case ws.OpPing:
		if err := c.writePong(payload, s.config.WriteTimeout); err != nil {
			s.RemoveConnection(c)
		}
	}
}

func (s *Server) closeTooBig(c *Connection) {
	s.log.Warn().Str("conn_id", c.ID).Int64("limit", s.config.MaxFrameBytes).Msg("frame too large")
	_ = c.writeClose(ws.StatusMessageTooBig, "message too big")
	s.RemoveConnection(c)
}

// RemoveConnection unregisters c from epoll and the manager, closes it and
// fires the disconnect callback. Concurrent calls for the same connection
// run the callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	s.log.Debug().Str("conn_id", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Send queues data for the connection identified by connID.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.Enqueue(data)
}

// Connections exposes the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting upgrades, removes every connection (firing the
// disconnect callback for each) and releases the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutting down")
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", herr)
			}
		}

		for _, c := range s.conns.All() {
			_ = c.writeClose(ws.StatusGoingAway, "server shutting down")
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info().Msg("server stopped")
	})
	return err
}
