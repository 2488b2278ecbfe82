package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/jummah/chat-server/internal/chat"
)

const (
	badgerRoomPrefix = "room:"
	badgerMsgPrefix  = "msg:"
	badgerSeqKey     = "seq:msg"

	// maxConflictRetries bounds the retries of a create-if-absent
	// transaction that lost an optimistic-concurrency race.
	maxConflictRetries = 8
)

// BadgerStore is the embedded durable RoomStore. Messages are keyed as
//
//	msg:<hex room id>:<biased timestamp, 20 digits>:<sequence, 20 digits>
//
// so a reverse prefix scan yields newest-first order with insertion order as
// the tie-breaker. Room ids are hex-encoded to keep arbitrary ids from
// colliding with the separators.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadgerStore opens (or creates) a store rooted at dir.
func OpenBadgerStore(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{l: logger.With().Str("component", "badger").Logger()}).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger %s: %w", dir, err)
	}
	seq, err := db.GetSequence([]byte(badgerSeqKey), 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: badger sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func roomKey(roomID string) []byte {
	return []byte(badgerRoomPrefix + hex.EncodeToString([]byte(roomID)))
}

func msgPrefix(roomID string) []byte {
	return []byte(badgerMsgPrefix + hex.EncodeToString([]byte(roomID)) + ":")
}

func msgKey(roomID string, ts int64, seq uint64) []byte {
	// Flipping the sign bit keeps negative timestamps ordered below positive ones.
	return []byte(fmt.Sprintf("%s%020d:%020d", msgPrefix(roomID), uint64(ts)^(1<<63), seq))
}

func (s *BadgerStore) EnsureExists(ctx context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return false, nil
	}
	key := roomKey(roomID)

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		created := false
		err := s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(key)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			created = true
			return txn.Set(key, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("store: ensure room %q: %w", roomID, err)
		}
		return created, nil
	}
	return false, fmt.Errorf("store: ensure room %q: %w", roomID, badger.ErrConflict)
}

func (s *BadgerStore) Exists(_ context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return true, nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(roomKey(roomID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: lookup room %q: %w", roomID, err)
	}
	return true, nil
}

func (s *BadgerStore) Append(ctx context.Context, roomID string, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("store: next sequence: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if roomID != "" {
			if _, err := txn.Get(roomKey(roomID)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return ErrRoomNotFound
				}
				return err
			}
		}
		return txn.Set(msgKey(roomID, msg.Timestamp, n), data)
	})
	if errors.Is(err, ErrRoomNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("store: append to %q: %w", roomID, err)
	}
	return nil
}

func (s *BadgerStore) History(ctx context.Context, roomID string) ([]chat.Message, error) {
	out := []chat.Message{}
	err := s.scan(roomID, func(i int, item *badger.Item) (bool, error) {
		m, err := decodeItem(item)
		if err != nil {
			return false, err
		}
		out = append(out, m)
		return true, ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: history %q: %w", roomID, err)
	}
	return out, nil
}

func (s *BadgerStore) HistoryPage(ctx context.Context, roomID string, page, size int) (Page, error) {
	p := Page{Messages: []chat.Message{}, Page: page, Size: size}
	if page < 0 || size <= 0 {
		n, err := s.Count(ctx, roomID)
		p.Total = n
		return p, err
	}
	start, end := page*size, page*size+size

	err := s.scan(roomID, func(i int, item *badger.Item) (bool, error) {
		p.Total++
		if i >= start && i < end {
			m, err := decodeItem(item)
			if err != nil {
				return false, err
			}
			p.Messages = append(p.Messages, m)
		}
		return true, nil
	})
	if err != nil {
		return Page{}, fmt.Errorf("store: history page %q: %w", roomID, err)
	}
	return p, nil
}

func (s *BadgerStore) Rooms(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerRoomPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := hex.DecodeString(string(it.Item().Key()[len(badgerRoomPrefix):]))
			if err != nil {
				return err
			}
			ids = append(ids, string(raw))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *BadgerStore) Count(_ context.Context, roomID string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = msgPrefix(roomID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: count %q: %w", roomID, err)
	}
	return n, nil
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		return fmt.Errorf("store: release sequence: %w", err)
	}
	return s.db.Close()
}

// scan walks a room's messages newest-first, calling fn with the position
// of each item until fn returns false or an error.
func (s *BadgerStore) scan(roomID string, fn func(i int, item *badger.Item) (bool, error)) error {
	prefix := msgPrefix(roomID)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		i := 0
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			more, err := fn(i, it.Item())
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
			i++
		}
		return nil
	})
}

func decodeItem(item *badger.Item) (chat.Message, error) {
	var m chat.Message
	err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &m)
	})
	return m, err
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{})   { b.l.Error().Msgf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...interface{}) { b.l.Warn().Msgf(format, args...) }
func (b badgerLogger) Infof(format string, args ...interface{})    { b.l.Info().Msgf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...interface{})   { b.l.Debug().Msgf(format, args...) }
