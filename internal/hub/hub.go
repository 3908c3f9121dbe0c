package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/chat"
	"github.com/adred-codev/chatd/internal/metrics"
	"github.com/adred-codev/chatd/internal/wire"
)

// Hub is the session and room registry. It enforces one live session per
// user, purges rooms on disconnect, and fans frames out without ever
// blocking on a slow consumer.
//
// Lock order is sessions (mu) then rooms (roomMu) then stats; no method
// takes them in reverse.
type Hub struct {
	log      zerolog.Logger
	presence *chat.Presence

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[int64]*Session

	roomMu sync.RWMutex
	rooms  map[string]map[string]*Session

	stats stats
}

// NewHub builds an empty hub wired to the presence tracker.
func NewHub(presence *chat.Presence, logger zerolog.Logger) *Hub {
	return &Hub{
		log:      logger.With().Str("component", "hub").Logger(),
		presence: presence,
		sessions: make(map[string]*Session),
		byUser:   make(map[int64]*Session),
		rooms:    make(map[string]map[string]*Session),
		stats:    stats{uptimeStart: time.Now()},
	}
}

// Register admits a session. A prior live session for the same user is
// evicted: it gets a conflict error frame, its queue is closed, and it is
// purged from every room. The replacement keeps the user's presence online.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	prev := h.byUser[s.UserID]
	if prev != nil {
		delete(h.sessions, prev.ID)
	}
	h.sessions[s.ID] = s
	h.byUser[s.UserID] = s
	h.mu.Unlock()

	if prev != nil {
		h.evictReplaced(prev)
	}

	h.stats.connected()
	h.presence.SetOnline(s.UserID, s.Username)
	h.log.Info().
		Str("session", s.ID).
		Int64("user", s.UserID).
		Str("username", s.Username).
		Str("addr", s.RemoteAddr).
		Msg("session registered")
}

// evictReplaced runs outside the sessions lock: the frame send, the close,
// and the room purge only touch the dying session and the room registry.
func (h *Hub) evictReplaced(prev *Session) {
	prev.TrySend(wire.MustEncode(wire.TypeError, wire.ErrorEvent{
		Code:    chat.CodeConflict,
		Message: "session replaced by a newer connection",
	}))
	prev.Close()
	h.purgeRooms(prev)
	h.stats.disconnected()
	metrics.RecordSessionEvicted(metrics.EvictReplaced)
	h.log.Warn().
		Str("session", prev.ID).
		Int64("user", prev.UserID).
		Msg("evicted prior session for duplicate connect")
}

// Unregister removes a session, purges its rooms, and marks the user
// offline, reporting whether the session was still the live one. Sessions
// already replaced by a newer connect only get their queue closed; presence
// and stats stay with the live successor. Safe to call multiple times.
func (h *Hub) Unregister(s *Session) bool {
	h.mu.Lock()
	cur, ok := h.sessions[s.ID]
	if !ok || cur != s {
		h.mu.Unlock()
		s.Close()
		return false
	}
	delete(h.sessions, s.ID)
	if h.byUser[s.UserID] == s {
		delete(h.byUser, s.UserID)
	}
	h.mu.Unlock()

	s.Close()
	h.purgeRooms(s)
	h.presence.SetOffline(s.UserID)
	h.stats.disconnected()
	h.log.Info().
		Str("session", s.ID).
		Int64("user", s.UserID).
		Msg("session unregistered")
	return true
}

// Get returns the session with the given id.
func (h *Hub) Get(sessionID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	return s, ok
}

// SessionByUser returns the user's live session, if any.
func (h *Hub) SessionByUser(userID int64) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byUser[userID]
	return s, ok
}

// SnapshotSessions copies the current session list.
func (h *Hub) SnapshotSessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveSessions returns the registry size.
func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// JoinRoom adds the session to a room, creating the live room on first
// join. Duplicate joins are no-ops. Returns the member count after the join.
func (h *Hub) JoinRoom(room string, s *Session) int {
	h.roomMu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[room] = members
		metrics.SetActiveRooms(len(h.rooms))
	}
	members[s.ID] = s
	n := len(members)
	h.roomMu.Unlock()
	return n
}

// LeaveRoom removes the session from a room. Leaving a room the session
// never joined reports false; empty rooms are dropped from the registry.
func (h *Hub) LeaveRoom(room string, s *Session) bool {
	h.roomMu.Lock()
	defer h.roomMu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, in := members[s.ID]; !in {
		return false
	}
	delete(members, s.ID)
	if len(members) == 0 {
		delete(h.rooms, room)
		metrics.SetActiveRooms(len(h.rooms))
	}
	return true
}

// InRoom reports room membership for one session.
func (h *Hub) InRoom(room string, s *Session) bool {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	_, in := members[s.ID]
	return in
}

// Members copies a room's member list.
func (h *Hub) Members(room string) []*Session {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	members := h.rooms[room]
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// MemberCount returns a room's current size.
func (h *Hub) MemberCount(room string) int {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	return len(h.rooms[room])
}

// ActiveRooms returns the number of rooms with at least one member.
func (h *Hub) ActiveRooms() int {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) purgeRooms(s *Session) {
	h.roomMu.Lock()
	changed := false
	for name, members := range h.rooms {
		if _, in := members[s.ID]; !in {
			continue
		}
		delete(members, s.ID)
		if len(members) == 0 {
			delete(h.rooms, name)
			changed = true
		}
	}
	if changed {
		metrics.SetActiveRooms(len(h.rooms))
	}
	h.roomMu.Unlock()
}

// BroadcastToRoom try-sends one frame to every room member and returns the
// delivered count. Membership is snapshotted under a read lock; sends run
// without any lock held.
func (h *Hub) BroadcastToRoom(room string, payload []byte) int {
	return h.deliver(h.Members(room), payload)
}

// BroadcastAll try-sends one frame to every connected session.
func (h *Hub) BroadcastAll(payload []byte) int {
	return h.deliver(h.SnapshotSessions(), payload)
}

// SendToUser try-sends one frame to a user's live session. False means the
// user is offline or the frame was dropped.
func (h *Hub) SendToUser(userID int64, payload []byte) bool {
	s, ok := h.SessionByUser(userID)
	if !ok {
		return false
	}
	return h.deliver([]*Session{s}, payload) == 1
}

func (h *Hub) deliver(targets []*Session, payload []byte) int {
	sent := 0
	for _, s := range targets {
		if s.TrySend(payload) {
			sent++
			continue
		}
		reason := metrics.DropQueueFull
		if s.Closed() {
			reason = metrics.DropSessionClosed
		}
		metrics.RecordMessageDropped(reason)
		h.log.Warn().
			Str("session", s.ID).
			Int64("user", s.UserID).
			Str("reason", reason).
			Msg("dropped outbound frame")
	}
	return sent
}

// CleanupDead unregisters every session whose last activity is older than
// the timeout and returns how many were removed. The scan runs under a read
// lock; removal happens per session afterwards.
func (h *Hub) CleanupDead(timeout time.Duration) int {
	var dead []*Session
	h.mu.RLock()
	for _, s := range h.sessions {
		if !s.Alive(timeout) {
			dead = append(dead, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range dead {
		metrics.RecordSessionEvicted(metrics.EvictDead)
		h.log.Warn().
			Str("session", s.ID).
			Int64("user", s.UserID).
			Time("last_activity", s.LastActivity()).
			Msg("removing dead session")
		h.Unregister(s)
	}
	return len(dead)
}

// Shutdown tells every session the server is going away and closes it. The
// transport drains queues before closing sockets, so the notice usually
// arrives.
func (h *Hub) Shutdown() {
	notice := wire.MustEncode(wire.TypeError, wire.ErrorEvent{
		Code:    chat.CodeTransient,
		Message: "server shutting down",
	})
	for _, s := range h.SnapshotSessions() {
		s.TrySend(notice)
		metrics.RecordSessionEvicted(metrics.EvictShutdown)
		h.Unregister(s)
	}
}

// Stats returns a copy of the hub counters.
func (h *Hub) Stats() StatsSnapshot {
	return h.stats.snapshot()
}

// CountMessage records one successful persisted send in the hub counters.
func (h *Hub) CountMessage(kind string) {
	h.stats.messagePersisted(kind)
}

// CountRoomCreated records one durable room creation.
func (h *Hub) CountRoomCreated() {
	h.stats.roomCreated()
}
