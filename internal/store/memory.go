package store

import (
	"context"
	"sort"
	"sync"

	"github.com/jummah/chat-server/internal/chat"
)

// MemoryStore is a process-lifetime RoomStore used in tests and in
// throwaway development runs.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]record // roomID -> insertion-ordered log
	seq   uint64
}

// NewMemoryStore returns an empty store holding only the global log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: map[string][]record{"": nil},
	}
}

func (s *MemoryStore) EnsureExists(_ context.Context, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; ok {
		return false, nil
	}
	s.rooms[roomID] = nil
	return true, nil
}

func (s *MemoryStore) Exists(_ context.Context, roomID string) (bool, error) {
	s.mu.RLock()
	_, ok := s.rooms[roomID]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) Append(_ context.Context, roomID string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	s.seq++
	s.rooms[roomID] = append(entries, record{seq: s.seq, msg: msg})
	return nil
}

func (s *MemoryStore) History(_ context.Context, roomID string) ([]chat.Message, error) {
	recs := s.snapshot(roomID)
	out := make([]chat.Message, len(recs))
	for i, r := range recs {
		out[i] = r.msg
	}
	return out, nil
}

func (s *MemoryStore) HistoryPage(_ context.Context, roomID string, page, size int) (Page, error) {
	recs := s.snapshot(roomID)
	p := Page{Messages: []chat.Message{}, Page: page, Size: size, Total: len(recs)}

	start, end, ok := pageBounds(len(recs), page, size)
	if !ok {
		return p, nil
	}
	for _, r := range recs[start:end] {
		p.Messages = append(p.Messages, r.msg)
	}
	return p, nil
}

func (s *MemoryStore) Rooms(_ context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		if id != "" {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Count(_ context.Context, roomID string) (int, error) {
	s.mu.RLock()
	n := len(s.rooms[roomID])
	s.mu.RUnlock()
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

// snapshot copies a room's log and orders it newest-first.
func (s *MemoryStore) snapshot(roomID string) []record {
	s.mu.RLock()
	src := s.rooms[roomID]
	recs := make([]record, len(src))
	copy(recs, src)
	s.mu.RUnlock()

	newestFirst(recs)
	return recs
}
