package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Reactor identifies one user behind a reaction.
type Reactor struct {
	UserID   int64
	Username string
}

// AddReaction records one (message, user, emoji) reaction. The message must
// exist and be live; reacting twice with the same emoji returns
// ErrReactionExists.
func (s *Store) AddReaction(ctx context.Context, messageID, userID int64, emoji string) error {
	defer s.observe("add_reaction", time.Now())

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE id = ? AND status != 'deleted'`, messageID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("query message %d: %w", messageID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)`,
		messageID, userID, emoji, s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	if n == 0 {
		return ErrReactionExists
	}
	return nil
}

// RemoveReaction deletes one reaction; removing one that was never added
// returns ErrNotFound.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) error {
	defer s.observe("remove_reaction", time.Now())

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji,
	)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Reactions returns the full reaction summary of one message: emoji to
// reactors in arrival order, plus the total reaction count.
func (s *Store) Reactions(ctx context.Context, messageID int64) (map[string][]Reactor, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mr.emoji, mr.user_id, u.username
		 FROM message_reactions mr
		 JOIN users u ON u.id = mr.user_id
		 WHERE mr.message_id = ? ORDER BY mr.id`, messageID)
	if err != nil {
		return nil, 0, fmt.Errorf("query reactions %d: %w", messageID, err)
	}
	defer rows.Close()

	summary := make(map[string][]Reactor)
	total := 0
	for rows.Next() {
		var (
			emoji string
			r     Reactor
		)
		if err := rows.Scan(&emoji, &r.UserID, &r.Username); err != nil {
			return nil, 0, fmt.Errorf("scan reaction: %w", err)
		}
		summary[emoji] = append(summary[emoji], r)
		total++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return summary, total, nil
}

// ReactionTargetVisible reports whether userID may see the message: room and
// system messages are public, DMs only to their two parties.
func (s *Store) ReactionTargetVisible(ctx context.Context, messageID, userID int64) (bool, error) {
	var (
		kind      string
		authorID  int64
		recipient sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, author_id, recipient_id FROM messages WHERE id = ? AND status != 'deleted'`, messageID,
	).Scan(&kind, &authorID, &recipient)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query message %d: %w", messageID, err)
	}
	if kind != KindDirect {
		return true, nil
	}
	return authorID == userID || recipient.Int64 == userID, nil
}
