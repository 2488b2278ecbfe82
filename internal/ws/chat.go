package ws

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/jummah/chat-server/internal/broadcast"
	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/logging"
	"github.com/jummah/chat-server/internal/metrics"
	"github.com/jummah/chat-server/internal/protocol"
	"github.com/jummah/chat-server/internal/router"
)

// Router routes and publishes one inbound chat message.
type Router interface {
	Handle(ctx context.Context, raw *chat.Message, connID string) (router.Outcome, error)
}

// Lifecycle receives connect and disconnect events.
type Lifecycle interface {
	OnConnected(connID string)
	OnDisconnected(ctx context.Context, connID string) (*chat.Message, error)
	Release(ctx context.Context, connID string) (*chat.Message, error)
}

// RateLimiter throttles send frames per connection.
type RateLimiter interface {
	Allow(ctx context.Context, connID string) (bool, time.Duration)
	Reset(ctx context.Context, connID string)
}

// Chat binds the frame dispatcher to the chat pipeline: send frames go to
// the router, subscribe frames to the broadcast dispatcher.
type Chat struct {
	server    *Server
	router    Router
	topics    broadcast.Dispatcher
	lifecycle Lifecycle
	limiter   RateLimiter
	timeout   time.Duration
	log       zerolog.Logger
}

// ChatOption configures a Chat.
type ChatOption func(*Chat)

// WithRateLimiter throttles send frames.
func WithRateLimiter(l RateLimiter) ChatOption {
	return func(h *Chat) { h.limiter = l }
}

// WithRequestTimeout bounds the work done for one frame. Zero means no
// bound beyond the router's own store timeout.
func WithRequestTimeout(d time.Duration) ChatOption {
	return func(h *Chat) { h.timeout = d }
}

func NewChat(r Router, topics broadcast.Dispatcher, lc Lifecycle, logger zerolog.Logger, opts ...ChatOption) *Chat {
	h := &Chat{
		router:    r,
		topics:    topics,
		lifecycle: lc,
		timeout:   10 * time.Second,
		log:       logger.With().Str("component", "ws").Logger(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Attach registers the chat frame handlers on d and the connection hooks on
// s. s must have been built with d.Dispatch.
func (h *Chat) Attach(s *Server, d *MessageDispatcher) {
	h.server = s
	s.SetOnConnect(h.onConnect)
	s.SetOnDisconnect(h.onDisconnect)

	d.Register(protocol.TypeSend, h.handleSend)
	d.Register(protocol.TypeSubscribe, h.handleSubscribe)
	d.Register(protocol.TypeUnsubscribe, h.handleUnsubscribe)
}

func (h *Chat) onConnect(c *Connection) {
	h.lifecycle.OnConnected(c.ID)
}

func (h *Chat) onDisconnect(connID string) {
	h.topics.UnsubscribeAll(connID)

	ctx, cancel := h.context()
	defer cancel()

	if _, err := h.lifecycle.OnDisconnected(ctx, connID); err != nil {
		h.log.Warn().Err(err).Str(logging.FieldConnID, connID).Msg("leave notification failed")
	}
	if h.limiter != nil {
		h.limiter.Reset(ctx, connID)
	}
}

func (h *Chat) handleSend(c *Connection, msg interface{}) {
	sm, ok := msg.(protocol.SendMsg)
	if !ok {
		return
	}
	if sm.Message == nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		h.reply(c, protocol.NewError(protocol.CodeInvalidMessage, "message is required"))
		return
	}

	ctx, cancel := h.context()
	defer cancel()
	log := h.log.With().Str(logging.FieldConnID, c.ID).Str(logging.FieldRoomID, sm.RoomID).Logger()
	ctx = logging.WithLogger(ctx, log)

	if h.limiter != nil {
		if allowed, retry := h.limiter.Allow(ctx, c.ID); !allowed {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
			frame, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(math.Ceil(retry.Seconds())),
			})
			if err == nil {
				h.reply(c, frame)
			}
			return
		}
	}

	m := *sm.Message
	m.RoomID = sm.RoomID

	out, err := h.router.Handle(ctx, &m, c.ID)
	switch {
	case err == nil:
	case out.Kind != 0:
		// Routed but not fully published. Persistence stands.
		log.Warn().Err(err).Str(logging.FieldTopic, string(out.Topic)).Msg("dispatch failed")
	case errors.Is(err, chat.ErrInvalidMessage):
		h.reply(c, protocol.NewError(protocol.CodeInvalidMessage, err.Error()))
		return
	case errors.Is(err, chat.ErrRoomUnavailable):
		log.Info().Err(err).Msg("room unavailable")
		h.reply(c, protocol.NewError(protocol.CodeRoomUnavailable, "room unavailable"))
		return
	default:
		log.Error().Err(err).Msg("route failed")
		h.reply(c, protocol.NewError(protocol.CodeInternal, "internal error"))
		return
	}

	// The connection may have been removed while this JOIN was in flight;
	// its entry would otherwise outlive it.
	if out.Kind == router.SuppressedEcho && !h.server.Connections().Has(c.ID) {
		if _, err := h.lifecycle.Release(ctx, c.ID); err != nil {
			log.Warn().Err(err).Msg("late leave notification failed")
		}
	}
}

func (h *Chat) handleSubscribe(c *Connection, msg interface{}) {
	sm, ok := msg.(protocol.SubscribeMsg)
	if !ok {
		return
	}
	topic, ok := h.topicFor(c, sm.RoomID)
	if !ok {
		return
	}

	if err := h.topics.Subscribe(topic, c.ID, c.Enqueue); err != nil {
		h.log.Error().Err(err).Str(logging.FieldConnID, c.ID).Str(logging.FieldTopic, string(topic)).Msg("subscribe failed")
		h.reply(c, protocol.NewError(protocol.CodeInternal, "subscribe failed"))
		return
	}
	// A disconnect may have swept this connection's subscriptions before the
	// handler above was added.
	if h.server != nil && !h.server.Connections().Has(c.ID) {
		if err := h.topics.Unsubscribe(topic, c.ID); err != nil {
			h.log.Debug().Err(err).Str(logging.FieldConnID, c.ID).Str(logging.FieldTopic, string(topic)).Msg("late unsubscribe failed")
		}
		return
	}
	frame, err := protocol.NewServerMessage(protocol.TypeSubscribed, protocol.SubscribedMsg{Topic: string(topic), RoomID: sm.RoomID})
	if err == nil {
		h.reply(c, frame)
	}
}

func (h *Chat) handleUnsubscribe(c *Connection, msg interface{}) {
	um, ok := msg.(protocol.UnsubscribeMsg)
	if !ok {
		return
	}
	topic, ok := h.topicFor(c, um.RoomID)
	if !ok {
		return
	}

	if err := h.topics.Unsubscribe(topic, c.ID); err != nil {
		h.log.Warn().Err(err).Str(logging.FieldConnID, c.ID).Str(logging.FieldTopic, string(topic)).Msg("unsubscribe failed")
	}
	frame, err := protocol.NewServerMessage(protocol.TypeUnsubscribed, protocol.UnsubscribedMsg{Topic: string(topic), RoomID: um.RoomID})
	if err == nil {
		h.reply(c, frame)
	}
}

// topicFor resolves a subscription target, replying invalid_room for ids
// that cannot name a topic.
func (h *Chat) topicFor(c *Connection, roomID string) (chat.Topic, bool) {
	if roomID != "" && !chat.ValidRoomID(roomID) {
		h.reply(c, protocol.NewError(protocol.CodeInvalidRoom, "invalid room id"))
		return "", false
	}
	return chat.TopicFor(roomID), true
}

func (h *Chat) context() (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), h.timeout)
}

func (h *Chat) reply(c *Connection, data []byte) {
	if err := c.Enqueue(data); err != nil {
		h.log.Debug().Err(err).Str(logging.FieldConnID, c.ID).Msg("reply dropped")
	}
}
