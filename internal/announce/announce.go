// Package announce ingests operator announcements from NATS and feeds them
// into the message pipeline. A payload naming a room persists as a system
// message and fans out to that room; one without a room broadcasts to every
// session and is not persisted.
package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/metrics"
)

// Announcer is the slice of the hub handler the listener drives.
type Announcer interface {
	Announce(ctx context.Context, room, content string) error
}

type payload struct {
	Room    string `json:"room,omitempty"`
	Content string `json:"content"`
}

// Listener subscribes to the announcement subject and forwards each message
// into the hub. The feed is advisory: malformed or rejected payloads are
// dropped with a warning and never wedge the subscription.
type Listener struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	target Announcer
	log    zerolog.Logger
}

// Start connects to NATS and subscribes. Reconnects are unbounded so an
// announcement feed that goes down recovers without a process restart.
func Start(url, subject string, target Announcer, logger zerolog.Logger) (*Listener, error) {
	l := &Listener{
		target: target,
		log:    logger.With().Str("component", "announce").Logger(),
	}

	opts := []nats.Option{
		nats.Name("chatd-announce"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			l.log.Info().Str("url", conn.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	l.conn = conn

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		l.ingest(msg.Data)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	l.sub = sub

	l.log.Info().Str("url", url).Str("subject", subject).Msg("announcement listener started")
	return l, nil
}

// ingest validates one payload and forwards it. It is split from the
// subscription callback so tests can drive it directly.
func (l *Listener) ingest(data []byte) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		l.log.Warn().Err(err).Msg("dropping malformed announcement")
		return
	}
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		l.log.Warn().Msg("dropping announcement without content")
		return
	}

	if err := l.target.Announce(context.Background(), p.Room, p.Content); err != nil {
		l.log.Warn().Err(err).Str("room", p.Room).Msg("announcement rejected")
		return
	}
	metrics.RecordAnnouncement()
	l.log.Info().Str("room", p.Room).Msg("announcement delivered")
}

// Close drains the subscription so in-flight announcements finish, then
// closes the connection.
func (l *Listener) Close() {
	if l.sub != nil {
		if err := l.sub.Drain(); err != nil {
			l.log.Warn().Err(err).Msg("drain subscription failed")
		}
	}
	if l.conn != nil {
		l.conn.Close()
	}
}
