package hub

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/chat"
	"github.com/adred-codev/chatd/internal/wire"
)

func newTestHub() (*Hub, *chat.Presence) {
	presence := chat.NewPresence()
	return NewHub(presence, zerolog.Nop()), presence
}

func newUserSession(id int64, name string) *Session {
	return NewSession(id, name, chat.RoleUser, "127.0.0.1:9", 8)
}

func decodeFrame(t *testing.T, ob wire.Outbound) *wire.Envelope {
	t.Helper()
	env, err := wire.Decode(ob.Payload)
	if err != nil {
		t.Fatalf("decode outbound frame: %v", err)
	}
	return env
}

func TestSessionQueueNeverBlocks(t *testing.T) {
	s := NewSession(1, "alice", chat.RoleUser, "127.0.0.1:9", 1)

	if !s.TrySend([]byte("a")) {
		t.Fatal("first send should fit the queue")
	}
	if s.TrySend([]byte("b")) {
		t.Fatal("full queue must drop, not block")
	}

	s.Close()
	if s.TrySend([]byte("c")) {
		t.Fatal("closed session must drop")
	}
	if !s.Closed() {
		t.Fatal("Closed should report true after Close")
	}
	s.Close() // second close is a no-op

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestSessionActivityTracking(t *testing.T) {
	s := newUserSession(1, "alice")
	atomic.StoreInt64(&s.lastActivity, time.Now().Add(-time.Hour).UnixNano())

	if s.Alive(time.Minute) {
		t.Fatal("stale session should not be alive")
	}
	s.Touch()
	if !s.Alive(time.Minute) {
		t.Fatal("touched session should be alive")
	}
}

func TestRegisterEvictsDuplicateUser(t *testing.T) {
	h, _ := newTestHub()

	s1 := newUserSession(1, "alice")
	h.Register(s1)
	h.JoinRoom("general", s1)

	s2 := newUserSession(1, "alice")
	h.Register(s2)

	if !s1.Closed() {
		t.Fatal("prior session should be closed")
	}
	if got, ok := h.SessionByUser(1); !ok || got != s2 {
		t.Fatal("newer session should own the user entry")
	}
	if h.ActiveSessions() != 1 {
		t.Fatalf("expected 1 active session, got %d", h.ActiveSessions())
	}
	if h.InRoom("general", s1) {
		t.Fatal("evicted session should be purged from rooms")
	}

	env := decodeFrame(t, <-s1.Outbound())
	if env.Type != wire.TypeError {
		t.Fatalf("expected error frame, got %s", env.Type)
	}
	var ev wire.ErrorEvent
	unmarshalPayload(t, env, &ev)
	if ev.Code != chat.CodeConflict {
		t.Fatalf("expected code %s, got %s", chat.CodeConflict, ev.Code)
	}
}

func TestUnregisterPurgesAndReportsLiveness(t *testing.T) {
	h, presence := newTestHub()

	s := newUserSession(1, "alice")
	h.Register(s)
	h.JoinRoom("general", s)
	if presence.Get(1) != chat.StatusOnline {
		t.Fatal("registered user should be online")
	}

	if !h.Unregister(s) {
		t.Fatal("first unregister should report the session as live")
	}
	if h.Unregister(s) {
		t.Fatal("second unregister should be a no-op")
	}
	if h.InRoom("general", s) {
		t.Fatal("unregistered session should leave all rooms")
	}
	if h.ActiveRooms() != 0 {
		t.Fatal("empty rooms should be dropped from the registry")
	}
	if presence.Get(1) != chat.StatusOffline {
		t.Fatal("unregistered user should be offline")
	}
}

func TestStaleUnregisterKeepsSuccessor(t *testing.T) {
	h, presence := newTestHub()

	s1 := newUserSession(1, "alice")
	h.Register(s1)
	s2 := newUserSession(1, "alice")
	h.Register(s2)

	if h.Unregister(s1) {
		t.Fatal("evicted session must not count as live")
	}
	if presence.Get(1) != chat.StatusOnline {
		t.Fatal("successor presence must survive the stale teardown")
	}
	if _, ok := h.SessionByUser(1); !ok {
		t.Fatal("successor should still be registered")
	}
	if got := h.Stats().ActiveConnections; got != 1 {
		t.Fatalf("expected 1 active connection, got %d", got)
	}
}

func TestJoinLeaveIdempotence(t *testing.T) {
	h, _ := newTestHub()
	s := newUserSession(1, "alice")
	h.Register(s)

	if n := h.JoinRoom("general", s); n != 1 {
		t.Fatalf("expected member count 1, got %d", n)
	}
	if n := h.JoinRoom("general", s); n != 1 {
		t.Fatalf("duplicate join should not grow the room, got %d", n)
	}
	if h.ActiveRooms() != 1 {
		t.Fatalf("expected 1 active room, got %d", h.ActiveRooms())
	}

	if !h.LeaveRoom("general", s) {
		t.Fatal("member leave should report true")
	}
	if h.LeaveRoom("general", s) {
		t.Fatal("non-member leave should report false")
	}
	if h.ActiveRooms() != 0 {
		t.Fatal("last leave should drop the room")
	}
}

func TestBroadcastScopes(t *testing.T) {
	h, _ := newTestHub()
	a := newUserSession(1, "alice")
	b := newUserSession(2, "bob")
	c := newUserSession(3, "carol")
	for _, s := range []*Session{a, b, c} {
		h.Register(s)
	}
	h.JoinRoom("general", a)
	h.JoinRoom("general", b)
	h.JoinRoom("random", c)

	if n := h.BroadcastToRoom("general", []byte("x")); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(c.Outbound()) != 0 {
		t.Fatal("broadcast must not leak into other rooms")
	}
	if n := h.BroadcastAll([]byte("y")); n != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n)
	}
	if !h.SendToUser(3, []byte("z")) {
		t.Fatal("send to a connected user should succeed")
	}
	if h.SendToUser(99, []byte("z")) {
		t.Fatal("send to an unknown user should fail")
	}
}

func TestBroadcastDropsOnFullQueue(t *testing.T) {
	h, _ := newTestHub()
	s := NewSession(1, "alice", chat.RoleUser, "127.0.0.1:9", 1)
	h.Register(s)
	h.JoinRoom("general", s)

	s.TrySend([]byte("fill"))
	if n := h.BroadcastToRoom("general", []byte("x")); n != 0 {
		t.Fatalf("expected drop on full queue, delivered %d", n)
	}
}

func TestCleanupDeadReapsStaleSessions(t *testing.T) {
	h, presence := newTestHub()
	fresh := newUserSession(1, "alice")
	stale := newUserSession(2, "bob")
	h.Register(fresh)
	h.Register(stale)
	h.JoinRoom("general", stale)

	atomic.StoreInt64(&stale.lastActivity, time.Now().Add(-2*time.Minute).UnixNano())

	if n := h.CleanupDead(90 * time.Second); n != 1 {
		t.Fatalf("expected 1 reaped session, got %d", n)
	}
	if h.ActiveSessions() != 1 {
		t.Fatalf("expected 1 surviving session, got %d", h.ActiveSessions())
	}
	if !stale.Closed() {
		t.Fatal("reaped session should be closed")
	}
	if h.InRoom("general", stale) {
		t.Fatal("reaped session should be purged from rooms")
	}
	if presence.Get(2) != chat.StatusOffline {
		t.Fatal("reaped user should be offline")
	}
}

func TestSupervisorTickPingsAndReaps(t *testing.T) {
	h, presence := newTestHub()
	sv := NewSupervisor(h, presence, time.Second, time.Minute, zerolog.Nop())

	live := newUserSession(1, "alice")
	dead := newUserSession(2, "bob")
	h.Register(live)
	h.Register(dead)
	atomic.StoreInt64(&dead.lastActivity, time.Now().Add(-4*time.Second).UnixNano())

	sv.tick()

	ob := <-live.Outbound()
	if !ob.Ping {
		t.Fatal("live session should receive a heartbeat ping")
	}
	if h.ActiveSessions() != 1 {
		t.Fatalf("expected the dead session reaped, have %d active", h.ActiveSessions())
	}
	if !dead.Closed() {
		t.Fatal("dead session should be closed")
	}
}

func TestStatsSnapshotCounts(t *testing.T) {
	h, _ := newTestHub()

	if got := h.Stats().ActiveConnections; got != 0 {
		t.Fatalf("expected empty hub, got %d active", got)
	}

	s := newUserSession(1, "alice")
	h.Register(s)
	h.CountMessage("room")
	h.CountMessage("direct")
	h.CountRoomCreated()

	st := h.Stats()
	if st.TotalConnections != 1 || st.ActiveConnections != 1 {
		t.Fatalf("unexpected connection counts: %+v", st)
	}
	if st.TotalMessages != 2 {
		t.Fatalf("expected 2 messages counted, got %d", st.TotalMessages)
	}
	if st.TotalRoomsCreated != 1 {
		t.Fatalf("expected 1 room created, got %d", st.TotalRoomsCreated)
	}
	if st.Uptime <= 0 {
		t.Fatal("uptime should be positive")
	}

	h.Unregister(s)
	st = h.Stats()
	if st.ActiveConnections != 0 || st.TotalConnections != 1 {
		t.Fatalf("unexpected counts after disconnect: %+v", st)
	}
}

func TestShutdownNotifiesAndCloses(t *testing.T) {
	h, _ := newTestHub()
	a := newUserSession(1, "alice")
	b := newUserSession(2, "bob")
	h.Register(a)
	h.Register(b)

	h.Shutdown()

	if h.ActiveSessions() != 0 {
		t.Fatalf("expected empty registry, got %d", h.ActiveSessions())
	}
	for _, s := range []*Session{a, b} {
		if !s.Closed() {
			t.Fatal("sessions should be closed on shutdown")
		}
		env := decodeFrame(t, <-s.Outbound())
		if env.Type != wire.TypeError {
			t.Fatalf("expected shutdown notice, got %s", env.Type)
		}
		var ev wire.ErrorEvent
		unmarshalPayload(t, env, &ev)
		if ev.Code != chat.CodeTransient {
			t.Fatalf("expected code %s, got %s", chat.CodeTransient, ev.Code)
		}
	}
}
