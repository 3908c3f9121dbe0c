package store

import (
	"context"
	"fmt"
	"time"
)

// Room is a durable room record. Membership is in-memory only; the row exists
// so history survives restarts and creation can be attributed.
type Room struct {
	Name      string
	CreatedBy int64
	CreatedAt time.Time
}

// EnsureRoom inserts the room if it does not exist yet and reports whether
// this call created it.
func (s *Store) EnsureRoom(ctx context.Context, name string, createdBy int64) (bool, error) {
	defer s.observe("ensure_room", time.Now())

	const q = `INSERT OR IGNORE INTO rooms (name, created_by, created_at) VALUES (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, name, createdBy, s.timestamp())
	if err != nil {
		return false, fmt.Errorf("ensure room %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure room %q: %w", name, err)
	}
	if n > 0 {
		s.log.Debug().Str("room", name).Int64("creator", createdBy).Msg("room created")
	}
	return n > 0, nil
}

// RoomExists reports whether a durable room row exists.
func (s *Store) RoomExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query room %q: %w", name, err)
	}
	return n > 0, nil
}

// Rooms lists every durable room, ordered by name.
func (s *Store) Rooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_by, created_at FROM rooms ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var (
			r       Room
			created string
		)
		if err := rows.Scan(&r.Name, &r.CreatedBy, &created); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.CreatedAt = parseTimestamp(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
