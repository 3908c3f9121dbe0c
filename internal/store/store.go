// Package store persists chat state in SQLite. All writes that touch more
// than one row run in a transaction, and every operation takes a context so
// callers can bound database time. Timestamps are stored as RFC3339 UTC text.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/adred-codev/chatd/internal/metrics"
)

// Sentinel errors mapped by the hub into protocol error codes.
var (
	ErrNotFound       = errors.New("not found")
	ErrNotAuthor      = errors.New("not the message author")
	ErrNotRecipient   = errors.New("not the message recipient")
	ErrPinLimit       = errors.New("room pin limit reached")
	ErrReactionExists = errors.New("reaction already recorded")
	ErrBlocked        = errors.New("recipient has blocked the sender")
	ErrRoomMismatch   = errors.New("message belongs to a different room")
	ErrPairMismatch   = errors.New("message belongs to a different conversation")
)

// Message kinds.
const (
	KindRoom   = "room"
	KindDirect = "direct"
	KindSystem = "system"
)

// Message statuses. Edits never change status; deletion is a status, not a
// row removal, so moderation reads can still see the record.
const (
	StatusSent    = "sent"
	StatusRead    = "read"
	StatusDeleted = "deleted"
)

// SystemAuthorID is the author id recorded on server-generated messages.
const SystemAuthorID = 0

// MaxPinnedPerRoom bounds how many messages a single room may pin.
const MaxPinnedPerRoom = 10

// Store is a SQLite-backed message store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// Open opens (or creates) the database at path, applies pending migrations
// and returns a ready store. The path ":memory:" yields a throwaway in-memory
// database for tests.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	dsn := path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory:
	// databases from silently splitting per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:  db,
		log: logger.With().Str("component", "store").Logger(),
		now: time.Now,
	}
	s.log.Info().Str("path", path).Msg("sqlite store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// timestamp renders the store clock as the canonical column text.
func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) observe(op string, start time.Time) {
	metrics.ObserveDBOp(op, time.Since(start).Seconds())
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
