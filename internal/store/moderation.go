package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ModerationEntry is one audit row from the moderation log.
type ModerationEntry struct {
	ID          int64
	Action      string
	MessageID   *int64
	ModeratorID int64
	Room        string
	Details     string
	CreatedAt   time.Time
}

func (s *Store) logModeration(ctx context.Context, tx *sql.Tx, action string, messageID, moderatorID int64, room, details string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO moderation_log (action, message_id, moderator_id, room, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		action, messageID, moderatorID, nullable(room), nullable(details), s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("log moderation %s: %w", action, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// FlagMessage marks a message for moderation review with optional notes and
// records the action in the moderation log.
func (s *Store) FlagMessage(ctx context.Context, id, moderatorID int64, notes string) error {
	defer s.observe("flag_message", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flag: %w", err)
	}
	defer rollback(tx)

	var (
		room   sql.NullString
		status string
	)
	err = tx.QueryRowContext(ctx, `SELECT room, status FROM messages WHERE id = ?`, id).Scan(&room, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query message %d: %w", id, err)
	}
	if status == StatusDeleted {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_flagged = 1, moderation_notes = ?, updated_at = ? WHERE id = ?`,
		nullable(notes), s.timestamp(), id,
	); err != nil {
		return fmt.Errorf("flag message %d: %w", id, err)
	}
	if err := s.logModeration(ctx, tx, "flag", id, moderatorID, room.String, notes); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flag: %w", err)
	}
	return nil
}

// FlaggedMessages lists live flagged messages, newest first.
func (s *Store) FlaggedMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE is_flagged = 1 AND status != 'deleted' ORDER BY id DESC LIMIT ?`
	msgs, err := s.queryMessages(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query flagged: %w", err)
	}
	return msgs, nil
}

// ModerationHistory returns a room's recent messages including deleted ones,
// newest first. This is the only read that exposes deleted content.
func (s *Store) ModerationHistory(ctx context.Context, room string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE room = ? AND kind IN ('room', 'system') ORDER BY id DESC LIMIT ?`
	msgs, err := s.queryMessages(ctx, q, room, limit)
	if err != nil {
		return nil, fmt.Errorf("query moderation history: %w", err)
	}
	return msgs, nil
}

// ModerationLog returns recent moderation actions, newest first.
func (s *Store) ModerationLog(ctx context.Context, limit int) ([]ModerationEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, message_id, moderator_id, room, details, created_at
		 FROM moderation_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query moderation log: %w", err)
	}
	defer rows.Close()

	var out []ModerationEntry
	for rows.Next() {
		var (
			e             ModerationEntry
			messageID     sql.NullInt64
			room, details sql.NullString
			created       string
		)
		if err := rows.Scan(&e.ID, &e.Action, &messageID, &e.ModeratorID, &room, &details, &created); err != nil {
			return nil, fmt.Errorf("scan moderation entry: %w", err)
		}
		if messageID.Valid {
			e.MessageID = &messageID.Int64
		}
		e.Room = room.String
		e.Details = details.String
		e.CreatedAt = parseTimestamp(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
