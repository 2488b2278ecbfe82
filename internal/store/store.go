// Package store implements the durable, append-only room log. Every
// implementation keeps one ordered log per room plus a global log for
// messages sent without a room.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/jummah/chat-server/internal/chat"
)

// ErrRoomNotFound is returned by Append when the room was never created.
var ErrRoomNotFound = errors.New("store: room not found")

// RoomStore is the narrow persistence contract used by the router and the
// history service. Room id "" addresses the global log, which always exists.
type RoomStore interface {
	// EnsureExists creates the room if it is absent. It reports whether this
	// call created it; concurrent callers race safely and exactly one wins.
	EnsureExists(ctx context.Context, roomID string) (bool, error)

	// Exists reports whether the room has been created.
	Exists(ctx context.Context, roomID string) (bool, error)

	// Append adds msg to the room's log.
	Append(ctx context.Context, roomID string, msg chat.Message) error

	// History returns the full log newest-first. Equal timestamps are
	// ordered by insertion, latest insert first.
	History(ctx context.Context, roomID string) ([]chat.Message, error)

	// HistoryPage returns one zero-based page of History. A page past the
	// end is empty, not an error.
	HistoryPage(ctx context.Context, roomID string, page, size int) (Page, error)

	// Rooms lists every created room id, excluding the global log.
	Rooms(ctx context.Context) ([]string, error)

	// Count returns the number of messages in a room.
	Count(ctx context.Context, roomID string) (int, error)

	Close() error
}

// Page is one slice of a room's history.
type Page struct {
	Messages []chat.Message `json:"content"`
	Page     int            `json:"page"`
	Size     int            `json:"size"`
	Total    int            `json:"total_elements"`
}

// TotalPages returns how many pages of Size cover Total.
func (p Page) TotalPages() int {
	if p.Size <= 0 {
		return 0
	}
	return (p.Total + p.Size - 1) / p.Size
}

// record pairs a message with its insertion sequence for tie-breaking.
type record struct {
	seq uint64
	msg chat.Message
}

// newestFirst sorts records by timestamp descending, then by sequence
// descending.
func newestFirst(recs []record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].msg.Timestamp != recs[j].msg.Timestamp {
			return recs[i].msg.Timestamp > recs[j].msg.Timestamp
		}
		return recs[i].seq > recs[j].seq
	})
}

// pageBounds converts a zero-based page request into slice bounds over n
// items. ok is false when the page starts past the end.
func pageBounds(n, page, size int) (start, end int, ok bool) {
	if page < 0 || size <= 0 {
		return 0, 0, false
	}
	start = page * size
	if start >= n {
		return 0, 0, false
	}
	end = start + size
	if end > n {
		end = n
	}
	return start, end, true
}
