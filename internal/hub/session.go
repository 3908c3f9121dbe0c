// Package hub owns the live side of the server: connected sessions, room
// membership, fan-out, liveness, and the intent pipeline that ties the
// filter, rate limiter, permission gate, and store together.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/chatd/internal/chat"
	"github.com/adred-codev/chatd/internal/wire"
)

// Session is one live connection. The transport's write pump is the sole
// reader of the outbound queue; everything else talks to a session through
// TrySend, which never blocks and never panics on a closed session. The
// queue itself is never closed: Close signals the done channel instead, so
// a fan-out that raced with teardown parks its frame harmlessly.
type Session struct {
	ID          string
	UserID      int64
	Username    string
	Role        chat.Role
	RemoteAddr  string
	ConnectedAt time.Time

	send chan wire.Outbound
	done chan struct{}
	once sync.Once

	lastActivity int64 // unix nanos
}

// NewSession builds a session with a fresh id and a send queue of the given
// capacity. The caller registers it with the hub and runs the pumps.
func NewSession(userID int64, username string, role chat.Role, remoteAddr string, queueSize int) *Session {
	if queueSize < 1 {
		queueSize = 256
	}
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Username:     username,
		Role:         role,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		send:         make(chan wire.Outbound, queueSize),
		done:         make(chan struct{}),
		lastActivity: now.UnixNano(),
	}
}

// TrySend queues one encoded frame. It reports false when the session is
// closed or the queue is full; the caller decides whether that drop is
// worth a log line.
func (s *Session) TrySend(payload []byte) bool {
	return s.enqueue(wire.Outbound{Payload: payload})
}

// TrySendPing queues a transport-level ping for the write pump.
func (s *Session) TrySendPing() bool {
	return s.enqueue(wire.Outbound{Ping: true})
}

// TrySendPong queues the reply to a client ping. The write pump is the only
// socket writer, so even control frames travel through the queue.
func (s *Session) TrySendPong() bool {
	return s.enqueue(wire.Outbound{Pong: true})
}

func (s *Session) enqueue(out wire.Outbound) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- out:
		return true
	default:
		return false
	}
}

// Close marks the session dead and wakes the write pump. Safe to call more
// than once and from any goroutine.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the session ends; write pumps select on it.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outbound is the queue end the write pump consumes.
func (s *Session) Outbound() <-chan wire.Outbound { return s.send }

// Touch records inbound activity for liveness and idle tracking.
func (s *Session) Touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

// LastActivity returns the time of the most recent Touch.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

// Alive reports whether the session showed activity within the timeout.
func (s *Session) Alive(timeout time.Duration) bool {
	return time.Since(s.LastActivity()) <= timeout
}
