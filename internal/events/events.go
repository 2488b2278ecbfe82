// Package events answers whether a room id corresponds to a real Jummah
// event. The chat core only needs existence, never event details.
package events

import (
	"context"
	"database/sql"
	"fmt"
)

// Resolver reports whether roomID names a known event.
type Resolver interface {
	Resolve(ctx context.Context, roomID string) (bool, error)
}

// AllowAll accepts every room id. Used when event validation is disabled.
type AllowAll struct{}

func (AllowAll) Resolve(context.Context, string) (bool, error) { return true, nil }

// PostgresResolver looks room ids up in the event table owned by the CRUD
// service.
type PostgresResolver struct {
	db    *sql.DB
	query string
}

// DefaultTable is the event table name.
const DefaultTable = "jummahs"

// NewPostgresResolver checks ids against table. table is trusted
// configuration and is not escaped.
func NewPostgresResolver(db *sql.DB, table string) *PostgresResolver {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresResolver{
		db:    db,
		query: fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id::text = $1)`, table),
	}
}

func (r *PostgresResolver) Resolve(ctx context.Context, roomID string) (bool, error) {
	var ok bool
	if err := r.db.QueryRowContext(ctx, r.query, roomID).Scan(&ok); err != nil {
		return false, fmt.Errorf("events: resolve %q: %w", roomID, err)
	}
	return ok, nil
}

// Static is a fixed set of known ids, handy for tests and small deployments.
type Static map[string]struct{}

func NewStatic(ids ...string) Static {
	s := make(Static, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Static) Resolve(_ context.Context, roomID string) (bool, error) {
	_, ok := s[roomID]
	return ok, nil
}
