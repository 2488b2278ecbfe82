package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/jummah/chat-server/internal/chat"
)

// pgForeignKeyViolation is the SQLSTATE raised when a message references a
// room row that does not exist.
const pgForeignKeyViolation = "23503"

// PostgresStore is the shared RoomStore for multi-node deployments. The
// schema is created by Migrate.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects using a lib/pq DSN and verifies the connection.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the handle for migrations and the event resolver.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) EnsureExists(ctx context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return false, nil
	}
	const query = `INSERT INTO rooms (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, roomID)
	if err != nil {
		return false, fmt.Errorf("store: ensure room %q: %w", roomID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: ensure room %q: %w", roomID, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Exists(ctx context.Context, roomID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, roomID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: lookup room %q: %w", roomID, err)
	}
	return ok, nil
}

func (s *PostgresStore) Append(ctx context.Context, roomID string, msg chat.Message) error {
	const query = `
		INSERT INTO messages (room_id, sender, body, type, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, roomID, msg.Sender, msg.Body, msg.Type.String(), msg.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgForeignKeyViolation {
			return ErrRoomNotFound
		}
		return fmt.Errorf("store: append to %q: %w", roomID, err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, roomID string) ([]chat.Message, error) {
	const query = `
		SELECT sender, body, type, timestamp
		FROM messages
		WHERE room_id = $1
		ORDER BY timestamp DESC, id DESC`

	msgs, err := s.query(ctx, roomID, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: history %q: %w", roomID, err)
	}
	return msgs, nil
}

func (s *PostgresStore) HistoryPage(ctx context.Context, roomID string, page, size int) (Page, error) {
	total, err := s.Count(ctx, roomID)
	if err != nil {
		return Page{}, err
	}
	p := Page{Messages: []chat.Message{}, Page: page, Size: size, Total: total}
	if page < 0 || size <= 0 {
		return p, nil
	}

	const query = `
		SELECT sender, body, type, timestamp
		FROM messages
		WHERE room_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2 OFFSET $3`

	msgs, err := s.query(ctx, roomID, query, roomID, size, page*size)
	if err != nil {
		return Page{}, fmt.Errorf("store: history page %q: %w", roomID, err)
	}
	p.Messages = msgs
	return p, nil
}

func (s *PostgresStore) Rooms(ctx context.Context) ([]string, error) {
	const query = `SELECT id FROM rooms WHERE id <> '' ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, roomID string) (int, error) {
	const query = `SELECT COUNT(*) FROM messages WHERE room_id = $1`

	var n int
	if err := s.db.QueryRowContext(ctx, query, roomID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count %q: %w", roomID, err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) query(ctx context.Context, roomID, query string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var (
			m   chat.Message
			typ string
		)
		if err := rows.Scan(&m.Sender, &m.Body, &typ, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Type, _ = chat.ParseMessageType(typ)
		m.RoomID = roomID
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
