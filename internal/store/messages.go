package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one persisted chat message of any kind. Reactions and Mentions
// are filled on history and lookup reads, not on writes.
type Message struct {
	ID              int64
	Kind            string
	Content         string
	AuthorID        int64
	AuthorUsername  string
	Room            string
	RecipientID     int64
	ParentID        *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Status          string
	Pinned          bool
	Edited          bool
	OriginalContent string
	ThreadCount     int
	Flagged         bool
	ModerationNotes string

	Reactions map[string][]Reactor
	Mentions  []int64
}

const messageColumns = `id, kind, content, author_id, author_username, room, recipient_id, parent_id, created_at, updated_at, status, is_pinned, is_edited, original_content, thread_count, is_flagged, moderation_notes`

func scanMessage(scanner interface{ Scan(...any) error }, m *Message) error {
	var (
		room, original, notes   sql.NullString
		recipient, parent       sql.NullInt64
		created, updated        string
		pinned, edited, flagged int
	)
	err := scanner.Scan(&m.ID, &m.Kind, &m.Content, &m.AuthorID, &m.AuthorUsername,
		&room, &recipient, &parent, &created, &updated, &m.Status,
		&pinned, &edited, &original, &m.ThreadCount, &flagged, &notes)
	if err != nil {
		return err
	}
	m.Room = room.String
	m.RecipientID = recipient.Int64
	if parent.Valid {
		m.ParentID = &parent.Int64
	}
	m.CreatedAt = parseTimestamp(created)
	m.UpdatedAt = parseTimestamp(updated)
	m.Pinned = pinned == 1
	m.Edited = edited == 1
	m.OriginalContent = original.String
	m.Flagged = flagged == 1
	m.ModerationNotes = notes.String
	return nil
}

// SendRoomMessage persists one room message, bumps the parent's reply count
// when it is a thread reply and records resolved mentions, all in one
// transaction. Mentions that match no account are dropped silently.
func (s *Store) SendRoomMessage(ctx context.Context, room string, authorID int64, content string, parentID *int64, mentions []string) (*Message, error) {
	defer s.observe("send_room_message", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin send: %w", err)
	}
	defer rollback(tx)

	username, err := authorUsername(ctx, tx, authorID)
	if err != nil {
		return nil, err
	}

	if parentID != nil {
		var (
			parentKind, parentStatus string
			parentRoom               sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT kind, room, status FROM messages WHERE id = ?`, *parentID,
		).Scan(&parentKind, &parentRoom, &parentStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("query parent %d: %w", *parentID, err)
		}
		if parentStatus == StatusDeleted {
			return nil, ErrNotFound
		}
		if parentKind != KindRoom || parentRoom.String != room {
			return nil, ErrRoomMismatch
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET thread_count = thread_count + 1 WHERE id = ?`, *parentID,
		); err != nil {
			return nil, fmt.Errorf("bump thread count %d: %w", *parentID, err)
		}
	}

	now := s.timestamp()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (kind, content, author_id, author_username, room, parent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		KindRoom, content, authorID, username, room, parentID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert room message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert room message: %w", err)
	}

	var mentioned []int64
	for _, name := range mentions {
		var userID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, name).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve mention %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_mentions (message_id, mentioned_user_id) VALUES (?, ?)`, id, userID,
		); err != nil {
			return nil, fmt.Errorf("insert mention %q: %w", name, err)
		}
		mentioned = append(mentioned, userID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit send: %w", err)
	}

	s.log.Debug().Int64("msg_id", id).Str("room", room).Int64("author", authorID).Msg("room message persisted")
	return &Message{
		ID:             id,
		Kind:           KindRoom,
		Content:        content,
		AuthorID:       authorID,
		AuthorUsername: username,
		Room:           room,
		ParentID:       parentID,
		CreatedAt:      parseTimestamp(now),
		UpdatedAt:      parseTimestamp(now),
		Status:         StatusSent,
		Mentions:       mentioned,
	}, nil
}

// SendSystemMessage persists a room-scoped server announcement.
func (s *Store) SendSystemMessage(ctx context.Context, room, content string) (*Message, error) {
	defer s.observe("send_system_message", time.Now())

	now := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (kind, content, author_id, author_username, room, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		KindSystem, content, SystemAuthorID, "system", room, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert system message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert system message: %w", err)
	}

	return &Message{
		ID:             id,
		Kind:           KindSystem,
		Content:        content,
		AuthorID:       SystemAuthorID,
		AuthorUsername: "system",
		Room:           room,
		CreatedAt:      parseTimestamp(now),
		UpdatedAt:      parseTimestamp(now),
		Status:         StatusSent,
	}, nil
}

// SendDirectMessage persists a DM unless the recipient has blocked the
// sender, in which case nothing is written and ErrBlocked is returned. The
// block check runs inside the transaction so a blocked DM can never land.
// A thread reply names its parent, which must be a visible DM between the
// same two users.
func (s *Store) SendDirectMessage(ctx context.Context, fromID, toID int64, content string, parentID *int64) (*Message, error) {
	defer s.observe("send_direct_message", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin send: %w", err)
	}
	defer rollback(tx)

	var blocked int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_blocks WHERE blocker_id = ? AND blocked_id = ?`, toID, fromID,
	).Scan(&blocked)
	if err != nil {
		return nil, fmt.Errorf("query block %d -> %d: %w", toID, fromID, err)
	}
	if blocked > 0 {
		return nil, ErrBlocked
	}

	username, err := authorUsername(ctx, tx, fromID)
	if err != nil {
		return nil, err
	}

	if parentID != nil {
		var (
			parentKind, parentStatus string
			parentAuthor             int64
			parentRecipient          sql.NullInt64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT kind, status, author_id, recipient_id FROM messages WHERE id = ?`, *parentID,
		).Scan(&parentKind, &parentStatus, &parentAuthor, &parentRecipient)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("query parent %d: %w", *parentID, err)
		}
		if parentStatus == StatusDeleted {
			return nil, ErrNotFound
		}
		samePair := (parentAuthor == fromID && parentRecipient.Int64 == toID) ||
			(parentAuthor == toID && parentRecipient.Int64 == fromID)
		if parentKind != KindDirect || !samePair {
			return nil, ErrPairMismatch
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET thread_count = thread_count + 1 WHERE id = ?`, *parentID,
		); err != nil {
			return nil, fmt.Errorf("bump thread count %d: %w", *parentID, err)
		}
	}

	now := s.timestamp()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (kind, content, author_id, author_username, recipient_id, parent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		KindDirect, content, fromID, username, toID, parentID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert direct message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert direct message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit send: %w", err)
	}

	s.log.Debug().Int64("msg_id", id).Int64("from", fromID).Int64("to", toID).Msg("direct message persisted")
	return &Message{
		ID:             id,
		Kind:           KindDirect,
		Content:        content,
		AuthorID:       fromID,
		AuthorUsername: username,
		RecipientID:    toID,
		ParentID:       parentID,
		CreatedAt:      parseTimestamp(now),
		UpdatedAt:      parseTimestamp(now),
		Status:         StatusSent,
	}, nil
}

func authorUsername(ctx context.Context, tx *sql.Tx, userID int64) (string, error) {
	var username string
	err := tx.QueryRowContext(ctx, `SELECT username FROM users WHERE id = ?`, userID).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query author %d: %w", userID, err)
	}
	return username, nil
}

// RoomHistory returns recent room and system messages newest first,
// excluding deleted ones. Thread replies are omitted unless includeThreads
// is set. beforeID of zero means "from the latest".
func (s *Store) RoomHistory(ctx context.Context, room string, limit int, beforeID int64, includeThreads bool) ([]Message, error) {
	defer s.observe("room_history", time.Now())

	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE room = ? AND kind IN ('room', 'system') AND status != 'deleted'`
	args := []any{room}
	if beforeID > 0 {
		q += ` AND id < ?`
		args = append(args, beforeID)
	}
	if !includeThreads {
		q += ` AND parent_id IS NULL`
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	msgs, err := s.queryMessages(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query room history: %w", err)
	}
	if err := s.hydrate(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// DMHistory returns the two-way DM thread between userID and withID, newest
// first, excluding deleted messages.
func (s *Store) DMHistory(ctx context.Context, userID, withID int64, limit int, beforeID int64) ([]Message, error) {
	defer s.observe("dm_history", time.Now())

	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE kind = 'direct' AND status != 'deleted'
		AND ((author_id = ? AND recipient_id = ?) OR (author_id = ? AND recipient_id = ?))`
	args := []any{userID, withID, withID, userID}
	if beforeID > 0 {
		q += ` AND id < ?`
		args = append(args, beforeID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	msgs, err := s.queryMessages(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query dm history: %w", err)
	}
	if err := s.hydrate(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Conversation summarizes one DM counterpart for the conversation list.
type Conversation struct {
	PeerID      int64
	Username    string
	LastContent string
	LastAt      time.Time
	Unread      int
}

// DMConversations returns one row per DM counterpart of userID, most recent
// conversation first, with the unread count of messages awaiting the user.
func (s *Store) DMConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	defer s.observe("dm_conversations", time.Now())

	const q = `
SELECT m.content, m.created_at,
       CASE WHEN m.author_id = ? THEN m.recipient_id ELSE m.author_id END AS peer_id,
       u.username,
       (SELECT COUNT(*) FROM messages x
          WHERE x.kind = 'direct' AND x.status = 'sent' AND x.recipient_id = ?
            AND x.author_id = CASE WHEN m.author_id = ? THEN m.recipient_id ELSE m.author_id END) AS unread
FROM messages m
JOIN (
    SELECT MAX(id) AS max_id
    FROM messages
    WHERE kind = 'direct' AND status != 'deleted' AND (author_id = ? OR recipient_id = ?)
    GROUP BY CASE WHEN author_id = ? THEN recipient_id ELSE author_id END
) latest ON m.id = latest.max_id
JOIN users u ON u.id = CASE WHEN m.author_id = ? THEN m.recipient_id ELSE m.author_id END
ORDER BY m.id DESC`

	rows, err := s.db.QueryContext(ctx, q, userID, userID, userID, userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c       Conversation
			created string
		)
		if err := rows.Scan(&c.LastContent, &created, &c.PeerID, &c.Username, &c.Unread); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.LastAt = parseTimestamp(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// MessageByID returns one live message with reactions and mentions attached,
// or ErrNotFound when it does not exist or was deleted.
func (s *Store) MessageByID(ctx context.Context, id int64) (*Message, error) {
	var m Message
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ? AND status != 'deleted'`, id)
	if err := scanMessage(row, &m); errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("query message %d: %w", id, err)
	}

	msgs := []Message{m}
	if err := s.hydrate(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// EditMessage rewrites the content of the caller's own message. The first
// edit snapshots the pre-edit content into original_content; later edits keep
// that snapshot. Status is never touched by edits.
func (s *Store) EditMessage(ctx context.Context, id, editorID int64, content string) (*Message, error) {
	defer s.observe("edit_message", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin edit: %w", err)
	}
	defer rollback(tx)

	var (
		authorID int64
		status   string
	)
	err = tx.QueryRowContext(ctx, `SELECT author_id, status FROM messages WHERE id = ?`, id).Scan(&authorID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message %d: %w", id, err)
	}
	if status == StatusDeleted {
		return nil, ErrNotFound
	}
	if authorID != editorID {
		return nil, ErrNotAuthor
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages
		 SET original_content = COALESCE(original_content, content), content = ?, is_edited = 1, updated_at = ?
		 WHERE id = ?`,
		content, s.timestamp(), id,
	); err != nil {
		return nil, fmt.Errorf("update message %d: %w", id, err)
	}

	var m Message
	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err := scanMessage(row, &m); err != nil {
		return nil, fmt.Errorf("reread message %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit edit: %w", err)
	}
	return &m, nil
}

// DeleteMessage soft-deletes a message. The author may always delete their
// own; moderators may delete anyone's, which is recorded in the moderation
// log. The row stays for moderation reads.
func (s *Store) DeleteMessage(ctx context.Context, id, actorID int64, moderator bool) error {
	defer s.observe("delete_message", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer rollback(tx)

	var (
		authorID int64
		room     sql.NullString
		status   string
	)
	err = tx.QueryRowContext(ctx, `SELECT author_id, room, status FROM messages WHERE id = ?`, id).
		Scan(&authorID, &room, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query message %d: %w", id, err)
	}
	if status == StatusDeleted {
		return ErrNotFound
	}
	if authorID != actorID && !moderator {
		return ErrNotAuthor
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = 'deleted', updated_at = ? WHERE id = ?`, s.timestamp(), id,
	); err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}

	if moderator && authorID != actorID {
		if err := s.logModeration(ctx, tx, "delete", id, actorID, room.String, ""); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	s.log.Debug().Int64("msg_id", id).Int64("actor", actorID).Msg("message deleted")
	return nil
}

// MarkDMRead marks one received DM as read and returns the updated row so the
// caller can notify the author. Only the recipient may mark it.
func (s *Store) MarkDMRead(ctx context.Context, id, readerID int64) (*Message, error) {
	defer s.observe("mark_dm_read", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark read: %w", err)
	}
	defer rollback(tx)

	var (
		kind      string
		recipient sql.NullInt64
		status    string
	)
	err = tx.QueryRowContext(ctx, `SELECT kind, recipient_id, status FROM messages WHERE id = ?`, id).
		Scan(&kind, &recipient, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message %d: %w", id, err)
	}
	if kind != KindDirect || status == StatusDeleted {
		return nil, ErrNotFound
	}
	if recipient.Int64 != readerID {
		return nil, ErrNotRecipient
	}

	if status != StatusRead {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = 'read', updated_at = ? WHERE id = ?`, s.timestamp(), id,
		); err != nil {
			return nil, fmt.Errorf("mark read %d: %w", id, err)
		}
	}

	var m Message
	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err := scanMessage(row, &m); err != nil {
		return nil, fmt.Errorf("reread message %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark read: %w", err)
	}
	return &m, nil
}

// SearchMessages finds live messages containing the query as a
// case-insensitive substring. With a room it searches only that room;
// otherwise it covers all rooms plus the caller's own DMs.
func (s *Store) SearchMessages(ctx context.Context, userID int64, query, room string, limit int) ([]Message, error) {
	defer s.observe("search_messages", time.Now())

	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE status != 'deleted' AND instr(lower(content), lower(?)) > 0`
	args := []any{query}
	if room != "" {
		q += ` AND kind IN ('room', 'system') AND room = ?`
		args = append(args, room)
	} else {
		q += ` AND (kind IN ('room', 'system') OR (kind = 'direct' AND (author_id = ? OR recipient_id = ?)))`
		args = append(args, userID, userID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	msgs, err := s.queryMessages(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return msgs, nil
}

// PinMessage pins a room message, holding the per-room cap. Pinning an
// already pinned message is a no-op.
func (s *Store) PinMessage(ctx context.Context, id int64, room string, moderatorID int64) error {
	defer s.observe("pin_message", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pin: %w", err)
	}
	defer rollback(tx)

	var (
		msgRoom sql.NullString
		status  string
		pinned  int
	)
	err = tx.QueryRowContext(ctx, `SELECT room, status, is_pinned FROM messages WHERE id = ?`, id).
		Scan(&msgRoom, &status, &pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query message %d: %w", id, err)
	}
	if status == StatusDeleted {
		return ErrNotFound
	}
	if msgRoom.String != room {
		return ErrRoomMismatch
	}
	if pinned == 1 {
		return nil
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room = ? AND is_pinned = 1 AND status != 'deleted'`, room,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("count pins in %q: %w", room, err)
	}
	if count >= MaxPinnedPerRoom {
		return ErrPinLimit
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_pinned = 1, updated_at = ? WHERE id = ?`, s.timestamp(), id,
	); err != nil {
		return fmt.Errorf("pin message %d: %w", id, err)
	}
	if err := s.logModeration(ctx, tx, "pin", id, moderatorID, room, ""); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pin: %w", err)
	}
	return nil
}

// UnpinMessage clears the pin flag. Unpinning a message that is not pinned is
// a no-op.
func (s *Store) UnpinMessage(ctx context.Context, id, moderatorID int64) error {
	defer s.observe("unpin_message", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unpin: %w", err)
	}
	defer rollback(tx)

	var (
		room   sql.NullString
		status string
		pinned int
	)
	err = tx.QueryRowContext(ctx, `SELECT room, status, is_pinned FROM messages WHERE id = ?`, id).
		Scan(&room, &status, &pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query message %d: %w", id, err)
	}
	if status == StatusDeleted {
		return ErrNotFound
	}
	if pinned == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_pinned = 0, updated_at = ? WHERE id = ?`, s.timestamp(), id,
	); err != nil {
		return fmt.Errorf("unpin message %d: %w", id, err)
	}
	if err := s.logModeration(ctx, tx, "unpin", id, moderatorID, room.String, ""); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unpin: %w", err)
	}
	return nil
}

// PinnedMessages lists a room's pinned messages, newest first.
func (s *Store) PinnedMessages(ctx context.Context, room string) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE room = ? AND is_pinned = 1 AND status != 'deleted' ORDER BY id DESC`
	msgs, err := s.queryMessages(ctx, q, room)
	if err != nil {
		return nil, fmt.Errorf("query pinned: %w", err)
	}
	if err := s.hydrate(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) queryMessages(ctx context.Context, q string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// hydrate attaches reaction summaries and mention lists to the given
// messages with two batched IN queries.
func (s *Store) hydrate(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	byID := make(map[int64]*Message, len(msgs))
	placeholders := make([]string, len(msgs))
	args := make([]any, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
		placeholders[i] = "?"
		args[i] = msgs[i].ID
	}
	in := strings.Join(placeholders, ",")

	rows, err := s.db.QueryContext(ctx,
		`SELECT mr.message_id, mr.emoji, mr.user_id, u.username
		 FROM message_reactions mr
		 JOIN users u ON u.id = mr.user_id
		 WHERE mr.message_id IN (`+in+`) ORDER BY mr.id`, args...)
	if err != nil {
		return fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msgID int64
			emoji string
			r     Reactor
		)
		if err := rows.Scan(&msgID, &emoji, &r.UserID, &r.Username); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		m := byID[msgID]
		if m.Reactions == nil {
			m.Reactions = make(map[string][]Reactor)
		}
		m.Reactions[emoji] = append(m.Reactions[emoji], r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	mrows, err := s.db.QueryContext(ctx,
		`SELECT message_id, mentioned_user_id FROM message_mentions
		 WHERE message_id IN (`+in+`) ORDER BY message_id, mentioned_user_id`, args...)
	if err != nil {
		return fmt.Errorf("query mentions: %w", err)
	}
	defer mrows.Close()

	for mrows.Next() {
		var msgID, userID int64
		if err := mrows.Scan(&msgID, &userID); err != nil {
			return fmt.Errorf("scan mention: %w", err)
		}
		m := byID[msgID]
		m.Mentions = append(m.Mentions, userID)
	}
	return mrows.Err()
}
