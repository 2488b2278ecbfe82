// Package presence tracks which user occupies which room through which
// connection. Entries live only as long as the connection and are never
// reconstructed from history.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

const shardCount = 256

// Entry is the presence record of one connection.
type Entry struct {
	ConnID   string `redis:"conn_id"`
	Username string `redis:"username"`
	RoomID   string `redis:"room_id"`
}

// Mirror receives a copy of every presence change, typically to share room
// occupancy with other processes. Mirror failures never affect the tracker.
type Mirror interface {
	Join(ctx context.Context, e Entry, prev *Entry) error
	Leave(ctx context.Context, e Entry) error
}

type shard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// Tracker maps connection ids to presence entries. Operations on the same
// connection id serialize on that id's shard; different ids spread across
// shards so unrelated connections rarely contend.
type Tracker struct {
	shards        [shardCount]*shard
	mirror        Mirror
	mirrorTimeout time.Duration
	log           zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMirror forwards every change to m, bounded by timeout.
func WithMirror(m Mirror, timeout time.Duration) Option {
	return func(t *Tracker) {
		t.mirror = m
		t.mirrorTimeout = timeout
	}
}

// WithLogger sets the logger used for mirror failures.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{log: zerolog.Nop(), mirrorTimeout: time.Second}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) shardFor(connID string) *shard {
	return t.shards[xxhash.Sum64String(connID)%shardCount]
}

// OnJoin records that connID is username in roomID, replacing any earlier
// entry for the connection. The replaced entry is returned when present.
func (t *Tracker) OnJoin(connID, username, roomID string) (Entry, bool) {
	e := Entry{ConnID: connID, Username: username, RoomID: roomID}

	s := t.shardFor(connID)
	s.mu.Lock()
	prev, had := s.entries[connID]
	s.entries[connID] = e
	s.mu.Unlock()

	var prevPtr *Entry
	if had {
		prevPtr = &prev
	}
	t.mirrorJoin(e, prevPtr)
	return prev, had
}

// OnDisconnect removes and returns the connection's entry. A connection that
// never joined yields false. Once an entry has been returned, later calls
// and lookups for the same id find nothing.
func (t *Tracker) OnDisconnect(connID string) (Entry, bool) {
	s := t.shardFor(connID)
	s.mu.Lock()
	e, ok := s.entries[connID]
	if ok {
		delete(s.entries, connID)
	}
	s.mu.Unlock()

	if ok {
		t.mirrorLeave(e)
	}
	return e, ok
}

// Lookup returns the connection's current entry.
func (t *Tracker) Lookup(connID string) (Entry, bool) {
	s := t.shardFor(connID)
	s.mu.Lock()
	e, ok := s.entries[connID]
	s.mu.Unlock()
	return e, ok
}

// Online counts the connections present in roomID in this process.
func (t *Tracker) Online(_ context.Context, roomID string) (int, error) {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.RoomID == roomID {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n, nil
}

// Len returns the number of tracked connections.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (t *Tracker) mirrorJoin(e Entry, prev *Entry) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.mirrorTimeout)
	defer cancel()
	if err := t.mirror.Join(ctx, e, prev); err != nil {
		t.log.Warn().Err(err).Str("conn_id", e.ConnID).Str("room_id", e.RoomID).Msg("presence mirror join failed")
	}
}

func (t *Tracker) mirrorLeave(e Entry) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.mirrorTimeout)
	defer cancel()
	if err := t.mirror.Leave(ctx, e); err != nil {
		t.log.Warn().Err(err).Str("conn_id", e.ConnID).Str("room_id", e.RoomID).Msg("presence mirror leave failed")
	}
}
