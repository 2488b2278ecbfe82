// Package httpapi serves the read side of the chat over REST: room history,
// room listings and server-sent system notices.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/history"
	"github.com/jummah/chat-server/internal/logging"
	"github.com/jummah/chat-server/internal/metrics"
	"github.com/jummah/chat-server/internal/store"
)

const noHistory = "No chat history found for this room"

// History is the query side of the room store.
type History interface {
	GetFullHistory(ctx context.Context, roomID string) ([]chat.Message, error)
	GetPage(ctx context.Context, roomID string, page, size int) (store.Page, error)
	ListRooms(ctx context.Context) ([]string, error)
	RoomExists(ctx context.Context, roomID string) (bool, error)
	MessageCount(ctx context.Context, roomID string) (int, error)
}

// Presence counts connections currently in a room.
type Presence interface {
	Online(ctx context.Context, roomID string) (int, error)
}

// Notifier sends SYSTEM notices to a room.
type Notifier interface {
	SendSystemNotification(ctx context.Context, roomID, text string) (chat.Message, error)
}

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// PageBody is the JSON shape of one history page.
type PageBody struct {
	Content       []chat.Message `json:"content"`
	Page          int            `json:"page"`
	Size          int            `json:"size"`
	TotalElements int            `json:"total_elements"`
	TotalPages    int            `json:"total_pages"`
}

// RoomInfo describes one room.
type RoomInfo struct {
	RoomID       string `json:"room_id"`
	MessageCount int    `json:"message_count"`
	Online       int    `json:"online"`
}

type pageQuery struct {
	Page int `form:"page,default=0" binding:"gte=0"`
	Size int `form:"size,default=0" binding:"gte=0"`
}

type systemRequest struct {
	Text string `json:"text" binding:"required"`
}

type Handler struct {
	history  History
	presence Presence
	notifier Notifier
}

// New builds the handler. presence and notifier may be nil; the online
// count is then zero and the system endpoint is not registered.
func New(h History, p Presence, n Notifier) *Handler {
	return &Handler{history: h, presence: p, notifier: n}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/chat")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:room_id", h.GetRoom)
		api.GET("/rooms/:room_id/history", h.GetHistory)
		api.GET("/rooms/:room_id/history/pageable", h.GetHistoryPage)
		if h.notifier != nil {
			api.POST("/rooms/:room_id/system", h.PostSystem)
		}
	}
}

// NewEngine assembles the gin engine with recovery, request logging, health
// and metrics.
func NewEngine(h *Handler, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware(logger))

	h.RegisterRoutes(r)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

func (h *Handler) GetHistory(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	msgs, err := h.history.GetFullHistory(c.Request.Context(), roomID)
	if err != nil {
		internalError(c, err, "failed to get chat history")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}

	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Message: lo.Ternary(len(msgs) == 0, noHistory, fmt.Sprintf("Retrieved %d messages", len(msgs))),
		Data:    msgs,
	})
}

func (h *Handler) GetHistoryPage(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "page and size must be non-negative integers"})
		return
	}

	p, err := h.history.GetPage(c.Request.Context(), roomID, q.Page, q.Size)
	if errors.Is(err, history.ErrInvalidPage) {
		c.JSON(http.StatusBadRequest, APIResponse{Error: err.Error()})
		return
	}
	if err != nil {
		internalError(c, err, "failed to get chat history")
		return
	}

	body := PageBody{
		Content:       p.Messages,
		Page:          p.Page,
		Size:          p.Size,
		TotalElements: p.Total,
		TotalPages:    p.TotalPages(),
	}
	if body.Content == nil {
		body.Content = []chat.Message{}
	}

	msg := noHistory
	if len(body.Content) > 0 {
		msg = fmt.Sprintf("Retrieved page %d with %d messages (total: %d)", body.Page, len(body.Content), body.TotalElements)
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: msg, Data: body})
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.history.ListRooms(c.Request.Context())
	if err != nil {
		internalError(c, err, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []string{}
	}
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Retrieved %d rooms", len(rooms)),
		Data:    rooms,
	})
}

func (h *Handler) GetRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	exists, err := h.history.RoomExists(ctx, roomID)
	if err != nil {
		internalError(c, err, "failed to look up room")
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, APIResponse{Error: "room not found"})
		return
	}

	count, err := h.history.MessageCount(ctx, roomID)
	if err != nil {
		internalError(c, err, "failed to count messages")
		return
	}

	info := RoomInfo{RoomID: roomID, MessageCount: count}
	if h.presence != nil {
		if n, err := h.presence.Online(ctx, roomID); err != nil {
			l := logging.Ctx(ctx)
			l.Warn().Err(err).Str(logging.FieldRoomID, roomID).Msg("online count unavailable")
		} else {
			info.Online = n
		}
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: info})
}

func (h *Handler) PostSystem(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	var req systemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "text is required"})
		return
	}

	msg, err := h.notifier.SendSystemNotification(c.Request.Context(), roomID, req.Text)
	switch {
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, chat.ErrRoomUnavailable):
		c.JSON(http.StatusBadRequest, APIResponse{Error: err.Error()})
		return
	case errors.Is(err, chat.ErrDispatchFailed):
		l := logging.Ctx(c.Request.Context())
		l.Warn().Err(err).Str(logging.FieldRoomID, roomID).Msg("system notice not delivered")
		c.JSON(http.StatusBadGateway, APIResponse{Error: "notification could not be delivered"})
		return
	case err != nil:
		internalError(c, err, "failed to send notification")
		return
	}
	c.JSON(http.StatusAccepted, APIResponse{Success: true, Message: "Notification sent", Data: msg})
}

// roomParam extracts :room_id, answering 400 for ids that cannot name a room.
func roomParam(c *gin.Context) (string, bool) {
	roomID := c.Param("room_id")
	if !chat.ValidRoomID(roomID) {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "invalid room id"})
		return "", false
	}
	return roomID, true
}

func internalError(c *gin.Context, err error, msg string) {
	l := logging.Ctx(c.Request.Context())
	l.Error().Err(err).Str(logging.FieldPath, c.FullPath()).Msg(msg)
	c.JSON(http.StatusInternalServerError, APIResponse{Error: msg})
}
