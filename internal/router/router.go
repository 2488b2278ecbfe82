// Package router normalizes inbound chat messages and decides what happens
// to each: a JOIN updates presence and is replaced by a notification, every
// other message is persisted and broadcast as-is.
//
// Exactly one of {persist, presence update} happens per routed message.
// Ordering inside a room is best-effort: concurrent senders are not
// serialized, and readers order by timestamp.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/events"
	"github.com/jummah/chat-server/internal/metrics"
	"github.com/jummah/chat-server/internal/presence"
	"github.com/jummah/chat-server/internal/store"
)

// Kind describes what the router did with a message.
type Kind int

const (
	// Broadcast means the message was persisted and should be sent as-is.
	Broadcast Kind = iota + 1
	// SuppressedEcho means a JOIN was absorbed into presence; Message holds
	// the JOIN notification to send instead.
	SuppressedEcho
)

func (k Kind) String() string {
	switch k {
	case Broadcast:
		return "broadcast"
	case SuppressedEcho:
		return "suppressed_echo"
	}
	return "unknown"
}

// Outcome is the result of routing one message.
type Outcome struct {
	Kind    Kind
	Topic   chat.Topic
	Message chat.Message

	// RoomCreated is set when this message created its room.
	RoomCreated bool

	// Departed is the LEAVE notification for the room a connection left by
	// joining a different one.
	Departed *chat.Message
}

// Presence is the slice of the presence tracker the router mutates.
type Presence interface {
	OnJoin(connID, username, roomID string) (presence.Entry, bool)
}

// Publisher sends a routed message to its topic.
type Publisher interface {
	PublishMessage(ctx context.Context, msg chat.Message) error
}

// Config holds router settings.
type Config struct {
	// StoreTimeout bounds each persistence call. Expiry maps to
	// chat.ErrRoomUnavailable.
	StoreTimeout time.Duration

	// TrustClientTimestamps keeps non-zero client timestamps. When false
	// every message is stamped with server time.
	TrustClientTimestamps bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{StoreTimeout: 3 * time.Second}
}

// Router is safe for concurrent use.
type Router struct {
	cfg      Config
	store    store.RoomStore
	presence Presence
	events   events.Resolver
	pub      Publisher
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithEvents validates room ids against an event resolver before creating
// rooms.
func WithEvents(res events.Resolver) Option {
	return func(r *Router) { r.events = res }
}

// WithPublisher enables Handle to broadcast outcomes.
func WithPublisher(p Publisher) Option {
	return func(r *Router) { r.pub = p }
}

// WithLogger sets the router's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.log = l.With().Str("component", "router").Logger() }
}

func New(cfg Config, rs store.RoomStore, p Presence, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg,
		store:    rs,
		presence: p,
		events:   events.AllowAll{},
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route normalizes raw and either records presence (JOIN) or persists it.
// raw is not modified. A nil raw fails with chat.ErrInvalidMessage; an
// unresolvable room fails with chat.ErrRoomUnavailable and nothing is
// persisted.
func (r *Router) Route(ctx context.Context, raw *chat.Message, connID string) (Outcome, error) {
	if raw == nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return Outcome{}, fmt.Errorf("router: nil message: %w", chat.ErrInvalidMessage)
	}

	now := r.now()
	msg := r.normalize(*raw, now)

	created, err := r.ensureRoom(ctx, msg.RoomID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRoomUnavailable).Inc()
		return Outcome{}, err
	}
	if created {
		metrics.RoomsCreated.Inc()
		r.log.Info().Str("room_id", msg.RoomID).Msg("room created")
	}

	if msg.Type == chat.TypeJoin {
		out := Outcome{
			Kind:        SuppressedEcho,
			Topic:       msg.Topic(),
			Message:     chat.NewJoinNotification(msg.RoomID, msg.Sender, now),
			RoomCreated: created,
		}
		if prev, had := r.presence.OnJoin(connID, msg.Sender, msg.RoomID); had && prev.RoomID != msg.RoomID {
			leave := chat.NewLeaveNotification(prev.RoomID, prev.Username, now)
			out.Departed = &leave
		}
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeJoin).Inc()
		r.log.Debug().Str("conn_id", connID).Str("room_id", msg.RoomID).Str("sender", msg.Sender).Msg("joined")
		return out, nil
	}

	if err := r.persist(ctx, msg); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRoomUnavailable).Inc()
		return Outcome{}, err
	}
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeBroadcast).Inc()
	return Outcome{Kind: Broadcast, Topic: msg.Topic(), Message: msg, RoomCreated: created}, nil
}

// Handle routes raw and publishes the outcome. A publish failure surfaces as
// chat.ErrDispatchFailed alongside the outcome; the persisted message stays.
func (r *Router) Handle(ctx context.Context, raw *chat.Message, connID string) (Outcome, error) {
	start := time.Now()
	defer func() { metrics.RouteLatency.Observe(time.Since(start).Seconds()) }()

	out, err := r.Route(ctx, raw, connID)
	if err != nil || r.pub == nil {
		return out, err
	}

	var errs []error
	if out.Departed != nil {
		errs = append(errs, r.publish(ctx, *out.Departed))
	}
	errs = append(errs, r.publish(ctx, out.Message))
	return out, errors.Join(errs...)
}

func (r *Router) publish(ctx context.Context, msg chat.Message) error {
	if err := r.pub.PublishMessage(ctx, msg); err != nil {
		metrics.BroadcastsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("router: publish to %s: %w", msg.Topic(), err)
	}
	metrics.BroadcastsTotal.WithLabelValues("ok").Inc()
	return nil
}

// normalize applies the defaulting rules. It never fails.
func (r *Router) normalize(m chat.Message, now time.Time) chat.Message {
	if m.Timestamp == 0 || !r.cfg.TrustClientTimestamps {
		m.Timestamp = chat.Millis(now)
	}
	if strings.TrimSpace(m.Sender) == "" {
		m.Sender = chat.AnonymousSender
	}
	if !m.Type.Valid() {
		m.Type = chat.TypeChat
	}
	return m
}

// ensureRoom creates roomID on first use. The global channel always exists.
func (r *Router) ensureRoom(ctx context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return false, nil
	}
	if !chat.ValidRoomID(roomID) {
		return false, fmt.Errorf("router: room %q: malformed id: %w", roomID, chat.ErrRoomUnavailable)
	}

	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	ok, err := r.events.Resolve(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("router: resolve room %q: %w: %w", roomID, chat.ErrRoomUnavailable, err)
	}
	if !ok {
		return false, fmt.Errorf("router: room %q: no such event: %w", roomID, chat.ErrRoomUnavailable)
	}

	created, err := r.store.EnsureExists(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("router: ensure room %q: %w: %w", roomID, chat.ErrRoomUnavailable, err)
	}
	return created, nil
}

func (r *Router) persist(ctx context.Context, msg chat.Message) error {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	if err := r.store.Append(ctx, msg.RoomID, msg); err != nil {
		return fmt.Errorf("router: append to %s: %w: %w", msg.Topic(), chat.ErrRoomUnavailable, err)
	}
	return nil
}

func (r *Router) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}
