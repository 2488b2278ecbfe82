package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// connPrefix keys the hash holding one connection's entry.
	connPrefix = "presence:conn:"

	// roomPrefix keys the set of connection ids present in a room.
	roomPrefix = "presence:room:"

	// EntryTTL bounds how long an entry survives a process that died without
	// cleaning up.
	EntryTTL = 1 * time.Hour
)

// RedisMirror shares presence across processes. Each connection is a hash
// and each room a set of connection ids.
type RedisMirror struct {
	client     *redis.Client
	serverName string
}

func NewRedisMirror(client *redis.Client, serverName string) *RedisMirror {
	return &RedisMirror{client: client, serverName: serverName}
}

func (m *RedisMirror) Join(ctx context.Context, e Entry, prev *Entry) error {
	key := connPrefix + e.ConnID
	fields := map[string]interface{}{
		"conn_id":   e.ConnID,
		"username":  e.Username,
		"room_id":   e.RoomID,
		"server":    m.serverName,
		"joined_at": time.Now().Unix(),
	}

	pipe := m.client.TxPipeline()
	if prev != nil && prev.RoomID != e.RoomID {
		pipe.SRem(ctx, roomPrefix+prev.RoomID, e.ConnID)
	}
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, EntryTTL)
	pipe.SAdd(ctx, roomPrefix+e.RoomID, e.ConnID)
	pipe.Expire(ctx, roomPrefix+e.RoomID, EntryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: redis join %s: %w", e.ConnID, err)
	}
	return nil
}

func (m *RedisMirror) Leave(ctx context.Context, e Entry) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, connPrefix+e.ConnID)
	pipe.SRem(ctx, roomPrefix+e.RoomID, e.ConnID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: redis leave %s: %w", e.ConnID, err)
	}
	return nil
}

// Get returns the mirrored entry for a connection, or false if none exists.
func (m *RedisMirror) Get(ctx context.Context, connID string) (Entry, bool, error) {
	var e Entry
	if err := m.client.HGetAll(ctx, connPrefix+connID).Scan(&e); err != nil {
		return Entry{}, false, fmt.Errorf("presence: redis get %s: %w", connID, err)
	}
	if e.ConnID == "" {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Online counts the connections present in roomID across every process.
func (m *RedisMirror) Online(ctx context.Context, roomID string) (int, error) {
	n, err := m.client.SCard(ctx, roomPrefix+roomID).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: redis online %s: %w", roomID, err)
	}
	return int(n), nil
}
