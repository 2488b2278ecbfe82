// Package history is the read-only query side of the room store, used by
// the REST API.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/metrics"
	"github.com/jummah/chat-server/internal/store"
)

// ErrInvalidPage rejects a negative page index.
var ErrInvalidPage = errors.New("history: invalid page")

const cachePrefix = "history:page"

// Config holds paging and caching settings.
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
	CacheTTL        time.Duration
	// QueryTimeout bounds a store read shared by concurrent callers. It is
	// detached from any one caller's cancellation.
	QueryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{DefaultPageSize: 20, MaxPageSize: 100, CacheTTL: 30 * time.Second, QueryTimeout: 5 * time.Second}
}

// Service never writes to the store.
type Service struct {
	cfg   Config
	store store.RoomStore
	cache Cache
	sf    singleflight.Group
	log   zerolog.Logger
}

// New builds a service. cache may be nil.
func New(cfg Config, rs store.RoomStore, cache Cache, logger zerolog.Logger) *Service {
	return &Service{
		cfg:   cfg,
		store: rs,
		cache: cache,
		log:   logger.With().Str("component", "history").Logger(),
	}
}

// GetFullHistory returns every message of a room, newest first.
func (s *Service) GetFullHistory(ctx context.Context, roomID string) ([]chat.Message, error) {
	v, err := s.shared(ctx, "full:"+roomID, func(ctx context.Context) (interface{}, error) {
		return s.store.History(ctx, roomID)
	})
	if err != nil {
		return nil, fmt.Errorf("history: full history %q: %w", roomID, err)
	}
	metrics.HistoryRequests.WithLabelValues("store").Inc()
	return cloneMessages(v.([]chat.Message)), nil
}

// GetPage returns one zero-based page, newest first. A non-positive size
// selects the default; sizes above the maximum are clamped.
func (s *Service) GetPage(ctx context.Context, roomID string, page, size int) (store.Page, error) {
	if page < 0 {
		return store.Page{}, fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	if size <= 0 {
		size = s.cfg.DefaultPageSize
	}
	size = lo.Clamp(size, 1, s.cfg.MaxPageSize)

	if s.cache == nil {
		metrics.HistoryRequests.WithLabelValues("store").Inc()
		return s.store.HistoryPage(ctx, roomID, page, size)
	}

	count, err := s.store.Count(ctx, roomID)
	if err != nil {
		return store.Page{}, fmt.Errorf("history: count %q: %w", roomID, err)
	}
	key := PageKey(cachePrefix, roomID, count, page, size)

	v, err := s.shared(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.fetchWithCache(ctx, key, roomID, page, size)
	})
	if err != nil {
		return store.Page{}, err
	}
	p := v.(store.Page)
	p.Messages = cloneMessages(p.Messages)
	return p, nil
}

func cloneMessages(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}

// shared collapses concurrent reads of key into one call. The call runs
// detached from ctx so one caller going away does not fail the others; each
// caller still stops waiting when its own ctx ends. The result is shared and
// must be copied before it is handed out.
func (s *Service) shared(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := s.sf.DoChan(key, func() (interface{}, error) {
		qctx := context.WithoutCancel(ctx)
		if s.cfg.QueryTimeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(qctx, s.cfg.QueryTimeout)
			defer cancel()
		}
		return fn(qctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) fetchWithCache(ctx context.Context, key, roomID string, page, size int) (store.Page, error) {
	cached, err := s.cache.Get(ctx, key)
	if err == nil {
		metrics.HistoryRequests.WithLabelValues("cache").Inc()
		return *cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.log.Warn().Err(err).Str("room_id", roomID).Msg("cache get error")
	}

	p, err := s.store.HistoryPage(ctx, roomID, page, size)
	if err != nil {
		return store.Page{}, fmt.Errorf("history: page %q: %w", roomID, err)
	}
	metrics.HistoryRequests.WithLabelValues("store").Inc()

	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.cache.Set(cacheCtx, key, &p, s.cfg.CacheTTL); err != nil {
			s.log.Warn().Err(err).Str("room_id", roomID).Msg("cache set error")
		}
	}()
	return p, nil
}

// ListRooms returns every room id.
func (s *Service) ListRooms(ctx context.Context) ([]string, error) {
	return s.store.Rooms(ctx)
}

// RoomExists reports whether roomID has been created.
func (s *Service) RoomExists(ctx context.Context, roomID string) (bool, error) {
	return s.store.Exists(ctx, roomID)
}

// MessageCount returns the number of messages in a room.
func (s *Service) MessageCount(ctx context.Context, roomID string) (int, error) {
	return s.store.Count(ctx, roomID)
}
