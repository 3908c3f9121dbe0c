package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/chat"
	"github.com/adred-codev/chatd/internal/limits"
	"github.com/adred-codev/chatd/internal/store"
	"github.com/adred-codev/chatd/internal/wire"
)

type harness struct {
	hub      *Hub
	handler  *Handler
	store    *store.Store
	presence *chat.Presence
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "chatd.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	limiter := limits.NewRateLimiter(20, zerolog.Nop())
	t.Cleanup(limiter.Stop)

	presence := chat.NewPresence()
	h := NewHub(presence, zerolog.Nop())
	hd := NewHandler(h, st, chat.NewFilter(2000), limiter, presence, 5*time.Second, zerolog.Nop())
	return &harness{hub: h, handler: hd, store: st, presence: presence}
}

func (hn *harness) seedUser(t *testing.T, id int64, username string, role chat.Role) {
	t.Helper()
	if err := hn.store.UpsertUser(context.Background(), id, username, role.String()); err != nil {
		t.Fatalf("upsert user %s: %v", username, err)
	}
}

// connect registers a fresh session for a durable user, the way the
// transport does after a successful upgrade.
func (hn *harness) connect(t *testing.T, id int64, username string, role chat.Role) *Session {
	t.Helper()
	hn.seedUser(t, id, username, role)
	s := NewSession(id, username, role, "127.0.0.1:1234", 64)
	hn.hub.Register(s)
	return s
}

// do feeds one encoded intent through the full pipeline.
func (hn *harness) do(t *testing.T, s *Session, typ string, payload any) {
	t.Helper()
	raw, err := wire.Encode(typ, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	hn.handler.Handle(context.Background(), s, raw)
}

func (hn *harness) join(t *testing.T, s *Session, room string) {
	t.Helper()
	hn.do(t, s, wire.TypeJoin, wire.JoinReq{Room: room})
}

// drain empties the session queue and decodes every buffered frame.
func drain(t *testing.T, s *Session) []*wire.Envelope {
	t.Helper()
	var out []*wire.Envelope
	for {
		select {
		case ob := <-s.Outbound():
			if ob.Ping {
				continue
			}
			env, err := wire.Decode(ob.Payload)
			if err != nil {
				t.Fatalf("decode queued frame: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

// flush discards everything queued so far, so a test can assert only on the
// frames produced by the action under test.
func flush(sessions ...*Session) {
	for _, s := range sessions {
		for len(s.Outbound()) > 0 {
			<-s.Outbound()
		}
	}
}

func frameTypes(envs []*wire.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

func ofType(envs []*wire.Envelope, typ string) []*wire.Envelope {
	var out []*wire.Envelope
	for _, env := range envs {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// one asserts exactly one frame of the given type and returns it.
func one(t *testing.T, envs []*wire.Envelope, typ string) *wire.Envelope {
	t.Helper()
	found := ofType(envs, typ)
	if len(found) != 1 {
		t.Fatalf("expected a single %s frame, got %v", typ, frameTypes(envs))
	}
	return found[0]
}

func unmarshalPayload(t *testing.T, env *wire.Envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func expectError(t *testing.T, envs []*wire.Envelope, code string) wire.ErrorEvent {
	t.Helper()
	env := one(t, envs, wire.TypeError)
	var ev wire.ErrorEvent
	unmarshalPayload(t, env, &ev)
	if ev.Code != code {
		t.Fatalf("expected error code %s, got %s (%s)", code, ev.Code, ev.Message)
	}
	return ev
}

func expectNothing(t *testing.T, s *Session, who string) {
	t.Helper()
	if envs := drain(t, s); len(envs) != 0 {
		t.Fatalf("%s should receive nothing, got %v", who, frameTypes(envs))
	}
}

func TestRoomBroadcastDeliversToAllMembers(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	hn.join(t, alice, "general")
	hn.join(t, bob, "general")
	flush(alice, bob)

	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "hi"})

	for _, s := range []*Session{alice, bob} {
		env := one(t, drain(t, s), wire.TypeMessage)
		var ev wire.MessageEvent
		unmarshalPayload(t, env, &ev)
		if ev.ID <= 0 {
			t.Fatalf("delivered message must carry its durable id, got %d", ev.ID)
		}
		if ev.FromUser != 1 || ev.Username != "alice" {
			t.Fatalf("unexpected author: %+v", ev)
		}
		if ev.Room != "general" || ev.Content != "hi" {
			t.Fatalf("unexpected message: %+v", ev)
		}
		if _, err := time.Parse(time.RFC3339, ev.Timestamp); err != nil {
			t.Fatalf("timestamp %q is not RFC3339: %v", ev.Timestamp, err)
		}
	}

	if got := hn.hub.Stats().TotalMessages; got != 1 {
		t.Fatalf("expected 1 counted message, got %d", got)
	}
	msgs, err := hn.store.RoomHistory(context.Background(), "general", 10, 0, false)
	if err != nil {
		t.Fatalf("room history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("expected one durable row, got %+v", msgs)
	}
}

func TestBurstLimitRejectsSixthRapidMessage(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	hn.join(t, alice, "general")
	flush(alice)

	for i := 0; i < 6; i++ {
		hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: fmt.Sprintf("m%d", i)})
	}

	envs := drain(t, alice)
	if got := len(ofType(envs, wire.TypeMessage)); got != 5 {
		t.Fatalf("expected 5 delivered messages, got %d (%v)", got, frameTypes(envs))
	}
	expectError(t, envs, chat.CodeRateLimit)

	if got := hn.hub.Stats().TotalMessages; got != 5 {
		t.Fatalf("rejected message must not be counted: got %d", got)
	}
}

func TestBlockedDMIsIndistinguishable(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	flush(alice, bob)

	hn.do(t, bob, wire.TypeBlock, wire.BlockReq{UserID: 1})
	var ack wire.BlockStateAck
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeBlockAck), &ack)
	if ack.UserID != 1 || !ack.Blocked {
		t.Fatalf("unexpected block ack: %+v", ack)
	}

	hn.do(t, alice, wire.TypeDM, wire.DMReq{To: 2, Content: "hello"})
	expectNothing(t, alice, "the blocked sender")
	expectNothing(t, bob, "the blocking recipient")

	msgs, err := hn.store.DMHistory(context.Background(), 1, 2, 10, 0)
	if err != nil {
		t.Fatalf("dm history: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("blocked message must not be persisted, got %d rows", len(msgs))
	}
	if got := hn.hub.Stats().TotalMessages; got != 0 {
		t.Fatalf("blocked message must not be counted: got %d", got)
	}

	hn.do(t, bob, wire.TypeUnblock, wire.BlockReq{UserID: 1})
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeBlockAck), &ack)
	if ack.Blocked {
		t.Fatalf("unexpected unblock ack: %+v", ack)
	}

	hn.do(t, alice, wire.TypeDM, wire.DMReq{To: 2, Content: "hello again"})
	expectNothing(t, alice, "the dm sender")
	var ev wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeDM), &ev)
	if ev.FromUser != 1 || ev.ToUser != 2 || ev.Content != "hello again" {
		t.Fatalf("unexpected dm: %+v", ev)
	}
	if ev.Room != "" {
		t.Fatalf("dm must not carry a room, got %q", ev.Room)
	}
	if got := hn.hub.Stats().TotalMessages; got != 1 {
		t.Fatalf("expected 1 counted message, got %d", got)
	}
}

func TestPinLimitReportsLimitReached(t *testing.T) {
	hn := newHarness(t)
	ctx := context.Background()
	hn.seedUser(t, 1, "alice", chat.RoleUser)
	if _, err := hn.store.EnsureRoom(ctx, "general", 1); err != nil {
		t.Fatalf("ensure room: %v", err)
	}

	mod := hn.connect(t, 3, "mod", chat.RoleModerator)

	ids := make([]int64, 0, store.MaxPinnedPerRoom+1)
	for i := 0; i <= store.MaxPinnedPerRoom; i++ {
		msg, err := hn.store.SendRoomMessage(ctx, "general", 1, fmt.Sprintf("note %d", i), nil, nil)
		if err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
		ids = append(ids, msg.ID)
	}
	for _, id := range ids[:store.MaxPinnedPerRoom] {
		if err := hn.store.PinMessage(ctx, id, "general", 3); err != nil {
			t.Fatalf("seed pin %d: %v", id, err)
		}
	}
	flush(mod)

	last := ids[store.MaxPinnedPerRoom]
	hn.do(t, mod, wire.TypePin, wire.PinReq{MessageID: last, Room: "general"})
	ev := expectError(t, drain(t, mod), chat.CodeLimitReached)
	if ev.Message == "" {
		t.Fatal("limit error should explain the pin cap")
	}

	pinned, err := hn.store.PinnedMessages(ctx, "general")
	if err != nil {
		t.Fatalf("pinned messages: %v", err)
	}
	if len(pinned) != store.MaxPinnedPerRoom {
		t.Fatalf("expected %d pins, got %d", store.MaxPinnedPerRoom, len(pinned))
	}
	for _, m := range pinned {
		if m.ID == last {
			t.Fatal("the rejected pin must not stick")
		}
	}
}

func TestEditKeepsOriginalOnce(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	hn.join(t, alice, "general")
	hn.join(t, bob, "general")
	flush(alice, bob)

	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "hello"})
	var sent wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeMessage), &sent)
	flush(bob)

	hn.do(t, alice, wire.TypeEdit, wire.EditReq{MessageID: sent.ID, Content: "hello there"})
	hn.do(t, alice, wire.TypeEdit, wire.EditReq{MessageID: sent.ID, Content: "hello again"})
	envs := drain(t, alice)
	if got := len(ofType(envs, wire.TypeEditAck)); got != 2 {
		t.Fatalf("expected 2 edit acks, got %v", frameTypes(envs))
	}
	expectNothing(t, bob, "the other member")

	hn.do(t, alice, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 10})
	var hist wire.RoomHistoryPayload
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeRoomHistory), &hist)
	if len(hist.Messages) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hist.Messages))
	}
	got := hist.Messages[0]
	if got.Content != "hello again" || !got.Edited {
		t.Fatalf("unexpected edited entry: %+v", got)
	}
	if got.OriginalContent != "hello" {
		t.Fatalf("author should see the pre-edit content %q, got %q", "hello", got.OriginalContent)
	}

	hn.do(t, bob, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 10})
	// Decode into a fresh payload: fields omitted from bob's reply must not
	// inherit values left over from alice's decode above.
	hist = wire.RoomHistoryPayload{}
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeRoomHistory), &hist)
	if hist.Messages[0].OriginalContent != "" {
		t.Fatalf("pre-edit content must stay private to the author, got %q", hist.Messages[0].OriginalContent)
	}

	hn.do(t, bob, wire.TypeEdit, wire.EditReq{MessageID: sent.ID, Content: "hijack"})
	expectError(t, drain(t, bob), chat.CodePermissionDenied)
}

func TestHistoryLimitBoundary(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	hn.join(t, alice, "general")
	flush(alice)

	hn.do(t, alice, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 0})
	expectError(t, drain(t, alice), chat.CodeInvalidInput)

	hn.do(t, alice, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 501})
	expectError(t, drain(t, alice), chat.CodeInvalidInput)

	hn.do(t, alice, wire.TypeDMHistory, wire.DMHistoryReq{With: 2, Limit: 600})
	expectError(t, drain(t, alice), chat.CodeInvalidInput)

	hn.do(t, alice, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 1})
	var hist wire.RoomHistoryPayload
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeRoomHistory), &hist)
	if hist.Room != "general" {
		t.Fatalf("unexpected history room %q", hist.Room)
	}
}

func TestGuestIsReadOnly(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	hn.join(t, alice, "general")
	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "welcome"})

	guest := hn.connect(t, 5, "visitor", chat.RoleGuest)
	hn.join(t, guest, "general")
	var ack wire.JoinAck
	unmarshalPayload(t, one(t, drain(t, guest), wire.TypeJoinAck), &ack)
	if ack.Room != "general" || ack.MemberCount != 2 {
		t.Fatalf("guest join should land in the existing room: %+v", ack)
	}

	hn.do(t, guest, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "hi"})
	expectError(t, drain(t, guest), chat.CodePermissionDenied)

	hn.do(t, guest, wire.TypeDM, wire.DMReq{To: 1, Content: "psst"})
	expectError(t, drain(t, guest), chat.CodePermissionDenied)

	hn.do(t, guest, wire.TypeReactionAdd, wire.ReactionReq{MessageID: 1, Emoji: "fire"})
	expectError(t, drain(t, guest), chat.CodePermissionDenied)

	// Joining a room that does not exist yet would create it.
	hn.do(t, guest, wire.TypeJoin, wire.JoinReq{Room: "atrium"})
	expectError(t, drain(t, guest), chat.CodePermissionDenied)

	hn.do(t, guest, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 10})
	var hist wire.RoomHistoryPayload
	unmarshalPayload(t, one(t, drain(t, guest), wire.TypeRoomHistory), &hist)
	if len(hist.Messages) != 1 || hist.Messages[0].Content != "welcome" {
		t.Fatalf("guest should read history, got %+v", hist.Messages)
	}
}

func TestReactionLifecycleBroadcasts(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	hn.join(t, alice, "general")
	hn.join(t, bob, "general")

	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "nice shot"})
	var sent wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeMessage), &sent)
	flush(alice, bob)

	hn.do(t, bob, wire.TypeReactionAdd, wire.ReactionReq{MessageID: sent.ID, Emoji: "\U0001F525"})
	for _, s := range []*Session{alice, bob} {
		var ru wire.ReactionUpdate
		unmarshalPayload(t, one(t, drain(t, s), wire.TypeReactionUpdate), &ru)
		if ru.MessageID != sent.ID || ru.TotalCount != 1 {
			t.Fatalf("unexpected reaction update: %+v", ru)
		}
		reactors := ru.Reactions["fire"]
		if len(reactors) != 1 || reactors[0].UserID != 2 || reactors[0].Username != "bob" {
			t.Fatalf("emoji should normalize to its tag: %+v", ru.Reactions)
		}
	}

	hn.do(t, bob, wire.TypeReactionAdd, wire.ReactionReq{MessageID: sent.ID, Emoji: "fire"})
	expectError(t, drain(t, bob), chat.CodeConflict)
	expectNothing(t, alice, "the author")

	hn.do(t, bob, wire.TypeReactionRemove, wire.ReactionReq{MessageID: sent.ID, Emoji: "fire"})
	var ru wire.ReactionUpdate
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeReactionUpdate), &ru)
	if ru.TotalCount != 0 || len(ru.Reactions) != 0 {
		t.Fatalf("expected an empty reaction state, got %+v", ru)
	}
	flush(bob)

	hn.do(t, bob, wire.TypeReactionRemove, wire.ReactionReq{MessageID: sent.ID, Emoji: "fire"})
	expectError(t, drain(t, bob), chat.CodeNotFound)
}

func TestDMDeliveryAndReadReceipts(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	flush(alice, bob)

	hn.do(t, alice, wire.TypeDM, wire.DMReq{To: 2, Content: "ping"})
	expectNothing(t, alice, "the dm sender")
	var ev wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeDM), &ev)

	hn.do(t, bob, wire.TypeConversations, nil)
	var convs wire.ConversationsPayload
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeConversations), &convs)
	if len(convs.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs.Conversations))
	}
	c := convs.Conversations[0]
	if c.WithUser != 1 || c.Username != "alice" || c.LastContent != "ping" || c.Unread != 1 {
		t.Fatalf("unexpected conversation: %+v", c)
	}

	// Only the recipient may mark a message read.
	hn.do(t, alice, wire.TypeMarkRead, wire.MarkReadReq{MessageID: ev.ID})
	expectError(t, drain(t, alice), chat.CodePermissionDenied)

	hn.do(t, bob, wire.TypeMarkRead, wire.MarkReadReq{MessageID: ev.ID})
	var ack wire.Ack
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeReadAck), &ack)
	if ack.MessageID != ev.ID {
		t.Fatalf("read ack names the wrong message: %+v", ack)
	}

	hn.do(t, bob, wire.TypeConversations, nil)
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeConversations), &convs)
	if convs.Conversations[0].Unread != 0 {
		t.Fatalf("expected no unread after mark_read, got %d", convs.Conversations[0].Unread)
	}

	// The sender sees the read status on the thread.
	hn.do(t, alice, wire.TypeDMHistory, wire.DMHistoryReq{With: 2, Limit: 10})
	var hist wire.DMHistoryPayload
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeDMHistory), &hist)
	if len(hist.Messages) != 1 || hist.Messages[0].Status != store.StatusRead {
		t.Fatalf("expected a read message in the thread, got %+v", hist.Messages)
	}
}

func TestMentionsResolveToKnownUsers(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	hn.seedUser(t, 2, "bob", chat.RoleUser)
	hn.join(t, alice, "general")
	flush(alice)

	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "welcome @bob and @ghost"})
	var ev wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeMessage), &ev)
	if len(ev.Mentions) != 1 || ev.Mentions[0] != 2 {
		t.Fatalf("only known users resolve as mentions, got %v", ev.Mentions)
	}
}

func TestStatusIntentBroadcastsPresence(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	flush(alice, bob)

	hn.do(t, alice, wire.TypeStatus, wire.StatusReq{Status: "busy"})
	for _, s := range []*Session{alice, bob} {
		var ev wire.PresenceEvent
		unmarshalPayload(t, one(t, drain(t, s), wire.TypePresence), &ev)
		if ev.UserID != 1 || ev.Username != "alice" || ev.Status != "busy" {
			t.Fatalf("unexpected presence delta: %+v", ev)
		}
	}

	// Repeating the current status is a no-op.
	hn.do(t, alice, wire.TypeStatus, wire.StatusReq{Status: "busy"})
	expectNothing(t, alice, "the requester")
	expectNothing(t, bob, "the other session")

	hn.do(t, alice, wire.TypeStatus, wire.StatusReq{Status: "wizard"})
	expectError(t, drain(t, alice), chat.CodeInvalidInput)
}

func TestUnknownAndMalformedFrames(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	flush(alice)

	hn.handler.Handle(context.Background(), alice, []byte(`{"type":`))
	expectError(t, drain(t, alice), chat.CodeInvalidInput)

	hn.handler.Handle(context.Background(), alice, []byte(`{}`))
	expectError(t, drain(t, alice), chat.CodeInvalidInput)

	hn.handler.Handle(context.Background(), alice, []byte(`{"type":"teleport"}`))
	expectError(t, drain(t, alice), chat.CodeInvalidInput)

	hn.handler.Handle(context.Background(), alice, []byte(`{"type":"message","data":{"room":123}}`))
	expectError(t, drain(t, alice), chat.CodeInvalidInput)
}

func TestJoinCreatesDurableRoomOnce(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	flush(alice, bob)

	hn.join(t, alice, "lounge")
	var ack wire.JoinAck
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeJoinAck), &ack)
	if ack.Room != "lounge" || ack.MemberCount != 1 {
		t.Fatalf("unexpected join ack: %+v", ack)
	}
	if got := hn.hub.Stats().TotalRoomsCreated; got != 1 {
		t.Fatalf("expected 1 created room, got %d", got)
	}
	exists, err := hn.store.RoomExists(context.Background(), "lounge")
	if err != nil || !exists {
		t.Fatalf("expected a durable room row, exists=%v err=%v", exists, err)
	}

	hn.join(t, bob, "lounge")
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeJoinAck), &ack)
	if ack.MemberCount != 2 {
		t.Fatalf("expected 2 members, got %d", ack.MemberCount)
	}
	if got := hn.hub.Stats().TotalRoomsCreated; got != 1 {
		t.Fatalf("second join must not create again, got %d", got)
	}

	hn.do(t, bob, wire.TypeLeave, wire.LeaveReq{Room: "lounge"})
	one(t, drain(t, bob), wire.TypeLeaveAck)
	hn.do(t, bob, wire.TypeLeave, wire.LeaveReq{Room: "lounge"})
	one(t, drain(t, bob), wire.TypeLeaveAck)
}

func TestSearchFindsRoomMessages(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	hn.join(t, alice, "general")
	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "the quick brown fox"})
	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "a lazy dog"})
	flush(alice)

	hn.do(t, alice, wire.TypeSearch, wire.SearchReq{Query: "quick"})
	var res wire.SearchResultsPayload
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeSearchResults), &res)
	if res.Query != "quick" || len(res.Messages) != 1 {
		t.Fatalf("unexpected search results: %+v", res)
	}
	if res.Messages[0].Content != "the quick brown fox" {
		t.Fatalf("unexpected hit: %+v", res.Messages[0])
	}

	hn.do(t, alice, wire.TypeSearch, wire.SearchReq{Query: "dog", Room: "general"})
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeSearchResults), &res)
	if len(res.Messages) != 1 {
		t.Fatalf("room-scoped search should hit once, got %d", len(res.Messages))
	}

	hn.do(t, alice, wire.TypeSearch, wire.SearchReq{Query: "   "})
	expectError(t, drain(t, alice), chat.CodeInvalidInput)
}

func TestAnnounceSystemNotice(t *testing.T) {
	hn := newHarness(t)
	ctx := context.Background()
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	hn.join(t, alice, "general")
	flush(alice)

	if err := hn.handler.Announce(ctx, "general", "maintenance at noon"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	var ev wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeMessage), &ev)
	if ev.ID <= 0 || ev.FromUser != store.SystemAuthorID || ev.Username != "system" {
		t.Fatalf("unexpected room notice: %+v", ev)
	}
	if got := hn.hub.Stats().TotalMessages; got != 1 {
		t.Fatalf("expected the room notice counted, got %d", got)
	}
	msgs, err := hn.store.RoomHistory(ctx, "general", 10, 0, false)
	if err != nil || len(msgs) != 1 || msgs[0].Kind != store.KindSystem {
		t.Fatalf("expected one durable system row, got %+v (err=%v)", msgs, err)
	}

	// A global notice reaches every session but is never persisted.
	if err := hn.handler.Announce(ctx, "", "restarting soon"); err != nil {
		t.Fatalf("global announce: %v", err)
	}
	// Decode into a fresh event: fields omitted from the global notice must
	// not inherit values left over from the room notice decode above.
	ev = wire.MessageEvent{}
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeMessage), &ev)
	if ev.ID != 0 || ev.Room != "" || ev.Content != "restarting soon" {
		t.Fatalf("unexpected global notice: %+v", ev)
	}
	if got := hn.hub.Stats().TotalMessages; got != 1 {
		t.Fatalf("global notice must not be counted, got %d", got)
	}
}

func TestFlagRequiresModerator(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	hn.join(t, alice, "general")
	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "buy cheap meds"})
	var sent wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeMessage), &sent)

	hn.do(t, alice, wire.TypeFlag, wire.FlagReq{MessageID: sent.ID, Notes: "spam"})
	expectError(t, drain(t, alice), chat.CodePermissionDenied)

	mod := hn.connect(t, 3, "mod", chat.RoleModerator)
	flush(mod, alice)
	hn.do(t, mod, wire.TypeFlag, wire.FlagReq{MessageID: sent.ID, Notes: "spam"})
	var ack wire.Ack
	unmarshalPayload(t, one(t, drain(t, mod), wire.TypeFlagAck), &ack)
	if ack.MessageID != sent.ID {
		t.Fatalf("flag ack names the wrong message: %+v", ack)
	}

	flagged, err := hn.store.FlaggedMessages(context.Background(), 10)
	if err != nil || len(flagged) != 1 || flagged[0].ID != sent.ID {
		t.Fatalf("expected the message in the review queue, got %+v (err=%v)", flagged, err)
	}

	hn.do(t, alice, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 10})
	var hist wire.RoomHistoryPayload
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeRoomHistory), &hist)
	if !hist.Messages[0].Flagged {
		t.Fatal("history should show the flag")
	}
}

func TestDeleteAuthorization(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	hn.join(t, alice, "general")
	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "oops"})
	var sent wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeMessage), &sent)
	flush(bob)

	hn.do(t, bob, wire.TypeDelete, wire.DeleteReq{MessageID: sent.ID})
	expectError(t, drain(t, bob), chat.CodePermissionDenied)

	hn.do(t, alice, wire.TypeDelete, wire.DeleteReq{MessageID: sent.ID})
	var ack wire.Ack
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeDeleteAck), &ack)
	if ack.MessageID != sent.ID {
		t.Fatalf("delete ack names the wrong message: %+v", ack)
	}

	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "again"})
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeMessage), &sent)

	mod := hn.connect(t, 3, "mod", chat.RoleModerator)
	flush(mod, alice)
	hn.do(t, mod, wire.TypeDelete, wire.DeleteReq{MessageID: sent.ID})
	one(t, drain(t, mod), wire.TypeDeleteAck)

	hn.do(t, alice, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 10})
	var hist wire.RoomHistoryPayload
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeRoomHistory), &hist)
	if len(hist.Messages) != 0 {
		t.Fatalf("deleted messages must not appear in history, got %+v", hist.Messages)
	}
}

func TestThreadRepliesThroughPipeline(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	hn.join(t, alice, "general")
	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "root"})
	var root wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeMessage), &root)

	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "reply", ParentID: &root.ID})
	var reply wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeMessage), &reply)
	if reply.ParentID == nil || *reply.ParentID != root.ID {
		t.Fatalf("reply should reference its parent: %+v", reply)
	}

	hn.do(t, alice, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 10})
	var hist wire.RoomHistoryPayload
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeRoomHistory), &hist)
	if len(hist.Messages) != 1 || hist.Messages[0].ThreadCount != 1 {
		t.Fatalf("top-level history should fold replies into the count, got %+v", hist.Messages)
	}

	hn.do(t, alice, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 10, IncludeThreads: true})
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeRoomHistory), &hist)
	if len(hist.Messages) != 2 {
		t.Fatalf("threaded history should include replies, got %d", len(hist.Messages))
	}

	// A reply to a message in another room is rejected.
	hn.join(t, alice, "random")
	flush(alice)
	hn.do(t, alice, wire.TypeMessage, wire.MessageReq{Room: "random", Content: "stray", ParentID: &root.ID})
	expectError(t, drain(t, alice), chat.CodeInvalidInput)
}

func TestDirectThreadRepliesThroughPipeline(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	carol := hn.connect(t, 3, "carol", chat.RoleUser)
	flush(alice, bob, carol)

	hn.do(t, alice, wire.TypeDM, wire.DMReq{To: 2, Content: "root"})
	var root wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeDM), &root)

	// Either participant may reply into the thread.
	hn.do(t, bob, wire.TypeDM, wire.DMReq{To: 1, Content: "reply", ParentID: &root.ID})
	var reply wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, alice), wire.TypeDM), &reply)
	if reply.ParentID == nil || *reply.ParentID != root.ID {
		t.Fatalf("reply should reference its parent: %+v", reply)
	}

	// An outsider cannot graft a reply onto someone else's conversation.
	hn.do(t, carol, wire.TypeDM, wire.DMReq{To: 1, Content: "stray", ParentID: &root.ID})
	expectError(t, drain(t, carol), chat.CodeInvalidInput)
	expectNothing(t, alice, "the conversation owner")

	// A reply to a message that never existed reads the same as deleted.
	missing := root.ID + 9999
	hn.do(t, bob, wire.TypeDM, wire.DMReq{To: 1, Content: "ghost", ParentID: &missing})
	expectError(t, drain(t, bob), chat.CodeNotFound)
}

func TestMessageRequiresMembership(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	hn.join(t, alice, "general")
	flush(alice, bob)

	hn.do(t, bob, wire.TypeMessage, wire.MessageReq{Room: "general", Content: "drive-by"})
	expectError(t, drain(t, bob), chat.CodePermissionDenied)
	expectNothing(t, alice, "the room member")

	hn.do(t, bob, wire.TypeRoomHistory, wire.RoomHistoryReq{Room: "general", Limit: 10})
	expectError(t, drain(t, bob), chat.CodePermissionDenied)

	hn.do(t, bob, wire.TypePinned, wire.PinnedReq{Room: "general"})
	expectError(t, drain(t, bob), chat.CodePermissionDenied)
}

func TestDMReactionHiddenFromThirdParties(t *testing.T) {
	hn := newHarness(t)
	alice := hn.connect(t, 1, "alice", chat.RoleUser)
	bob := hn.connect(t, 2, "bob", chat.RoleUser)
	carol := hn.connect(t, 3, "carol", chat.RoleUser)
	flush(alice, bob, carol)

	hn.do(t, alice, wire.TypeDM, wire.DMReq{To: 2, Content: "secret"})
	var ev wire.MessageEvent
	unmarshalPayload(t, one(t, drain(t, bob), wire.TypeDM), &ev)

	// A participant may react.
	hn.do(t, bob, wire.TypeReactionAdd, wire.ReactionReq{MessageID: ev.ID, Emoji: "eyes"})
	one(t, drain(t, bob), wire.TypeReactionUpdate)
	flush(alice, carol)

	// An outsider gets not_found, the same answer as for no message at all.
	hn.do(t, carol, wire.TypeReactionAdd, wire.ReactionReq{MessageID: ev.ID, Emoji: "eyes"})
	expectError(t, drain(t, carol), chat.CodeNotFound)
}
