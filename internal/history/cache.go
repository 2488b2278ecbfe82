package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jummah/chat-server/internal/store"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent.
var ErrCacheMiss = errors.New("history: cache miss")

// Cache stores rendered history pages.
type Cache interface {
	Get(ctx context.Context, key string) (*store.Page, error)
	Set(ctx context.Context, key string, page *store.Page, ttl time.Duration) error
}

// PageKey names a page of a room at a given log length. Rooms are
// append-only, so a key built from the current count never serves a stale
// page.
func PageKey(prefix, roomID string, count, page, size int) string {
	return fmt.Sprintf("%s:%q:%d:%d:%d", prefix, roomID, count, page, size)
}

// RedisCache keeps pages in Redis as JSON.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*store.Page, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("history: redis get: %w", err)
	}

	var p store.Page
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("history: unmarshal cached page: %w", err)
	}
	return &p, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, page *store.Page, ttl time.Duration) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("history: marshal page: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("history: redis set: %w", err)
	}
	return nil
}
