package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a persisted account row. Accounts are created lazily from verified
// token claims at connect time.
type User struct {
	ID        int64
	Username  string
	Role      string
	CreatedAt time.Time
	LastSeen  time.Time
}

// UpsertUser records (or refreshes) the account behind a verified token.
func (s *Store) UpsertUser(ctx context.Context, id int64, username, role string) error {
	defer s.observe("upsert_user", time.Now())

	now := s.timestamp()
	const q = `
INSERT INTO users (id, username, role, created_at, last_seen_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    username = excluded.username,
    role = excluded.role,
    last_seen_at = excluded.last_seen_at`
	if _, err := s.db.ExecContext(ctx, q, id, username, role, now, now); err != nil {
		return fmt.Errorf("upsert user %d: %w", id, err)
	}
	return nil
}

// TouchUserSeen bumps last_seen_at, used on disconnect so conversation lists
// can show recency without a session lookup.
func (s *Store) TouchUserSeen(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen_at = ? WHERE id = ?`, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("touch user %d: %w", id, err)
	}
	return nil
}

// UserByID returns one account or ErrNotFound.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	var (
		u        User
		created  string
		lastSeen string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, role, created_at, last_seen_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.Role, &created, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user %d: %w", id, err)
	}
	u.CreatedAt = parseTimestamp(created)
	u.LastSeen = parseTimestamp(lastSeen)
	return &u, nil
}

// BlockUser records that blocker no longer accepts DMs from blocked.
// Blocking twice is a no-op.
func (s *Store) BlockUser(ctx context.Context, blockerID, blockedID int64) error {
	defer s.observe("block_user", time.Now())

	const q = `INSERT OR IGNORE INTO user_blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, blockerID, blockedID, s.timestamp()); err != nil {
		return fmt.Errorf("block user %d -> %d: %w", blockerID, blockedID, err)
	}
	s.log.Debug().Int64("blocker", blockerID).Int64("blocked", blockedID).Msg("user blocked")
	return nil
}

// UnblockUser removes a block. Unblocking a user who was never blocked is a
// no-op.
func (s *Store) UnblockUser(ctx context.Context, blockerID, blockedID int64) error {
	const q = `DELETE FROM user_blocks WHERE blocker_id = ? AND blocked_id = ?`
	if _, err := s.db.ExecContext(ctx, q, blockerID, blockedID); err != nil {
		return fmt.Errorf("unblock user %d -> %d: %w", blockerID, blockedID, err)
	}
	return nil
}

// IsBlocked reports whether blocker has blocked blocked.
func (s *Store) IsBlocked(ctx context.Context, blockerID, blockedID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query block %d -> %d: %w", blockerID, blockedID, err)
	}
	return n > 0, nil
}
