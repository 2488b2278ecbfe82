package store

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jummah/chat-server/internal/chat"
)

// backends returns every RoomStore that can run in this environment.
func backends(t *testing.T) map[string]func(t *testing.T) RoomStore {
	t.Helper()
	return map[string]func(t *testing.T) RoomStore{
		"memory": func(t *testing.T) RoomStore { return NewMemoryStore() },
		"badger": func(t *testing.T) RoomStore {
			s, err := OpenBadgerStore(t.TempDir(), zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"postgres": func(t *testing.T) RoomStore {
			dsn := os.Getenv("CHAT_TEST_POSTGRES_URL")
			if dsn == "" {
				t.Skip("CHAT_TEST_POSTGRES_URL not set")
			}
			s, err := OpenPostgresStore(context.Background(), dsn)
			if err != nil {
				t.Skipf("postgres not available: %v", err)
			}
			require.NoError(t, Migrate(s.DB()))
			_, err = s.DB().Exec(`DELETE FROM messages; DELETE FROM rooms WHERE id <> ''`)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func msg(room, body string, ts int64) chat.Message {
	return chat.Message{RoomID: room, Sender: "alice", Body: body, Timestamp: ts, Type: chat.TypeChat}
}

func bodies(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestRoomStore(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("EnsureExistsIsIdempotent", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				created, err := s.EnsureExists(ctx, "r1")
				require.NoError(t, err)
				require.True(t, created)

				created, err = s.EnsureExists(ctx, "r1")
				require.NoError(t, err)
				require.False(t, created)

				ok, err := s.Exists(ctx, "r1")
				require.NoError(t, err)
				require.True(t, ok)

				ok, err = s.Exists(ctx, "nope")
				require.NoError(t, err)
				require.False(t, ok)
			})

			t.Run("AppendToMissingRoom", func(t *testing.T) {
				s := open(t)
				err := s.Append(context.Background(), "ghost", msg("ghost", "x", 1))
				require.ErrorIs(t, err, ErrRoomNotFound)
			})

			t.Run("HistoryNewestFirst", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				_, err := s.EnsureExists(ctx, "r1")
				require.NoError(t, err)

				require.NoError(t, s.Append(ctx, "r1", msg("r1", "m1", 100)))
				require.NoError(t, s.Append(ctx, "r1", msg("r1", "m3", 300)))
				require.NoError(t, s.Append(ctx, "r1", msg("r1", "m2", 200)))

				h, err := s.History(ctx, "r1")
				require.NoError(t, err)
				require.Equal(t, []string{"m3", "m2", "m1"}, bodies(h))
				require.Equal(t, chat.TypeChat, h[0].Type)
				require.Equal(t, "alice", h[0].Sender)
				require.Equal(t, int64(300), h[0].Timestamp)
			})

			t.Run("EqualTimestampsLatestInsertFirst", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				_, err := s.EnsureExists(ctx, "r1")
				require.NoError(t, err)

				require.NoError(t, s.Append(ctx, "r1", msg("r1", "first", 50)))
				require.NoError(t, s.Append(ctx, "r1", msg("r1", "second", 50)))

				h, err := s.History(ctx, "r1")
				require.NoError(t, err)
				require.Equal(t, []string{"second", "first"}, bodies(h))
			})

			t.Run("HistoryPage", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				_, err := s.EnsureExists(ctx, "r1")
				require.NoError(t, err)
				for i, b := range []string{"m1", "m2", "m3"} {
					require.NoError(t, s.Append(ctx, "r1", msg("r1", b, int64(i+1))))
				}

				p, err := s.HistoryPage(ctx, "r1", 0, 2)
				require.NoError(t, err)
				require.Equal(t, []string{"m3", "m2"}, bodies(p.Messages))
				require.Equal(t, 3, p.Total)
				require.Equal(t, 2, p.TotalPages())

				p, err = s.HistoryPage(ctx, "r1", 1, 2)
				require.NoError(t, err)
				require.Equal(t, []string{"m1"}, bodies(p.Messages))

				p, err = s.HistoryPage(ctx, "r1", 2, 2)
				require.NoError(t, err)
				require.NotNil(t, p.Messages)
				require.Empty(t, p.Messages)
			})

			t.Run("EmptyRoom", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				_, err := s.EnsureExists(ctx, "quiet")
				require.NoError(t, err)

				h, err := s.History(ctx, "quiet")
				require.NoError(t, err)
				require.Empty(t, h)

				p, err := s.HistoryPage(ctx, "quiet", 0, 20)
				require.NoError(t, err)
				require.Empty(t, p.Messages)
				require.Zero(t, p.Total)
			})

			t.Run("GlobalLogAlwaysExists", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				ok, err := s.Exists(ctx, "")
				require.NoError(t, err)
				require.True(t, ok)

				require.NoError(t, s.Append(ctx, "", msg("", "hello all", 1)))
				h, err := s.History(ctx, "")
				require.NoError(t, err)
				require.Equal(t, []string{"hello all"}, bodies(h))

				rooms, err := s.Rooms(ctx)
				require.NoError(t, err)
				require.NotContains(t, rooms, "")
			})

			t.Run("RoomsAndCount", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				for _, id := range []string{"b", "a", "c"} {
					_, err := s.EnsureExists(ctx, id)
					require.NoError(t, err)
				}
				require.NoError(t, s.Append(ctx, "a", msg("a", "x", 1)))
				require.NoError(t, s.Append(ctx, "a", msg("a", "y", 2)))

				rooms, err := s.Rooms(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"a", "b", "c"}, rooms)

				n, err := s.Count(ctx, "a")
				require.NoError(t, err)
				require.Equal(t, 2, n)

				n, err = s.Count(ctx, "b")
				require.NoError(t, err)
				require.Zero(t, n)
			})

			t.Run("ConcurrentEnsureExistsCreatesOnce", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				var (
					wg      sync.WaitGroup
					created atomic.Int32
				)
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						ok, err := s.EnsureExists(ctx, "race")
						if err == nil && ok {
							created.Add(1)
						}
					}()
				}
				wg.Wait()
				require.Equal(t, int32(1), created.Load())

				rooms, err := s.Rooms(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"race"}, rooms)
			})
		})
	}
}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		n, page, size int
		start, end    int
		ok            bool
	}{
		{n: 3, page: 0, size: 2, start: 0, end: 2, ok: true},
		{n: 3, page: 1, size: 2, start: 2, end: 3, ok: true},
		{n: 3, page: 2, size: 2, ok: false},
		{n: 0, page: 0, size: 20, ok: false},
		{n: 5, page: -1, size: 2, ok: false},
		{n: 5, page: 0, size: 0, ok: false},
	}
	for _, tt := range tests {
		start, end, ok := pageBounds(tt.n, tt.page, tt.size)
		require.Equal(t, tt.ok, ok, "n=%d page=%d size=%d", tt.n, tt.page, tt.size)
		if ok {
			require.Equal(t, tt.start, start)
			require.Equal(t, tt.end, end)
		}
	}
}

func TestBadgerStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadgerStore(dir, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.EnsureExists(ctx, "persist")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "persist", msg("persist", "kept", 7)))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	created, err := s.EnsureExists(ctx, "persist")
	require.NoError(t, err)
	require.False(t, created)

	h, err := s.History(ctx, "persist")
	require.NoError(t, err)
	require.Equal(t, []string{"kept"}, bodies(h))
	require.Equal(t, "persist", h[0].RoomID)
}

func TestBadgerNegativeTimestampsSortBelowPositive(t *testing.T) {
	s, err := OpenBadgerStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.EnsureExists(ctx, "r")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "r", msg("r", "neg", -5)))
	require.NoError(t, s.Append(ctx, "r", msg("r", "pos", 5)))

	h, err := s.History(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, []string{"pos", "neg"}, bodies(h))
}
