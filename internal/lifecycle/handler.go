// Package lifecycle turns transport connect and disconnect events into
// presence changes and LEAVE notifications.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/metrics"
	"github.com/jummah/chat-server/internal/presence"
)

// Presence is the part of the tracker the handler needs.
type Presence interface {
	OnDisconnect(connID string) (presence.Entry, bool)
}

// Publisher sends a notification to its topic.
type Publisher interface {
	PublishMessage(ctx context.Context, msg chat.Message) error
}

type Handler struct {
	presence Presence
	pub      Publisher
	now      func() time.Time
	log      zerolog.Logger
}

func New(p Presence, pub Publisher, logger zerolog.Logger) *Handler {
	return &Handler{
		presence: p,
		pub:      pub,
		now:      time.Now,
		log:      logger.With().Str("component", "lifecycle").Logger(),
	}
}

// SetClock overrides the time source.
func (h *Handler) SetClock(now func() time.Time) { h.now = now }

// OnConnected records the event. Joining is implicit, driven by the
// connection's first JOIN message.
func (h *Handler) OnConnected(connID string) {
	metrics.ConnectionsTotal.Inc()
	h.log.Debug().Str("conn_id", connID).Msg("connected")
}

// OnDisconnected releases the connection's presence entry and announces the
// departure to its room. A connection that never joined produces nothing.
// The returned notification is nil in that case.
func (h *Handler) OnDisconnected(ctx context.Context, connID string) (*chat.Message, error) {
	metrics.ConnectionsTotal.Dec()
	return h.Release(ctx, connID)
}

// Release is OnDisconnected without the connection accounting. The
// transport calls it directly when a JOIN lands after its connection was
// already removed.
func (h *Handler) Release(ctx context.Context, connID string) (*chat.Message, error) {
	e, ok := h.presence.OnDisconnect(connID)
	if !ok {
		h.log.Debug().Str("conn_id", connID).Err(chat.ErrPresenceInconsistency).Msg("disconnect without presence")
		return nil, nil
	}

	leave := chat.NewLeaveNotification(e.RoomID, e.Username, h.now())
	h.log.Debug().Str("conn_id", connID).Str("room_id", e.RoomID).Str("sender", e.Username).Msg("left")

	if err := h.pub.PublishMessage(ctx, leave); err != nil {
		metrics.BroadcastsTotal.WithLabelValues("failed").Inc()
		return &leave, fmt.Errorf("lifecycle: leave for %s: %w", connID, err)
	}
	metrics.BroadcastsTotal.WithLabelValues("ok").Inc()
	return &leave, nil
}

// SendSystemNotification broadcasts a SYSTEM notice from the server to a
// room. Notices are not persisted.
func (h *Handler) SendSystemNotification(ctx context.Context, roomID, text string) (chat.Message, error) {
	if roomID == "" || strings.TrimSpace(text) == "" {
		return chat.Message{}, fmt.Errorf("lifecycle: system notice needs a room and text: %w", chat.ErrInvalidMessage)
	}
	if !chat.ValidRoomID(roomID) {
		return chat.Message{}, fmt.Errorf("lifecycle: room %q: %w", roomID, chat.ErrRoomUnavailable)
	}
	if err := chat.ValidateBody(text); err != nil {
		return chat.Message{}, fmt.Errorf("lifecycle: %w", err)
	}

	msg := chat.NewSystemNotification(roomID, text, h.now())
	if err := h.pub.PublishMessage(ctx, msg); err != nil {
		metrics.BroadcastsTotal.WithLabelValues("failed").Inc()
		return msg, fmt.Errorf("lifecycle: system notice to %s: %w", roomID, err)
	}
	metrics.BroadcastsTotal.WithLabelValues("ok").Inc()
	return msg, nil
}
