package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/chat"
	"github.com/adred-codev/chatd/internal/limits"
	"github.com/adred-codev/chatd/internal/metrics"
	"github.com/adred-codev/chatd/internal/store"
	"github.com/adred-codev/chatd/internal/wire"
)

// maxHistoryLimit bounds every paged read.
const maxHistoryLimit = 500

// defaultSearchLimit applies when a search omits its limit.
const defaultSearchLimit = 50

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]+)`)

// Handler runs the intent pipeline: permission, validation, rate limit,
// domain precondition, persistence, fan-out, ack, stats. The first failing
// step short-circuits, and persistence always completes before any frame
// leaves the hub, so every delivered message carries its durable id.
type Handler struct {
	hub       *Hub
	store     *store.Store
	filter    *chat.Filter
	limiter   *limits.RateLimiter
	presence  *chat.Presence
	dbTimeout time.Duration
	log       zerolog.Logger
}

// NewHandler wires the pipeline and subscribes the hub to presence deltas,
// so every transition fans out as a presence frame.
func NewHandler(h *Hub, st *store.Store, filter *chat.Filter, limiter *limits.RateLimiter, presence *chat.Presence, dbTimeout time.Duration, logger zerolog.Logger) *Handler {
	hd := &Handler{
		hub:       h,
		store:     st,
		filter:    filter,
		limiter:   limiter,
		presence:  presence,
		dbTimeout: dbTimeout,
		log:       logger.With().Str("component", "handler").Logger(),
	}
	presence.Subscribe(hd.onPresence)
	return hd
}

func (hd *Handler) onPresence(u chat.PresenceUpdate) {
	metrics.RecordPresence(u.Status.String())
	hd.hub.BroadcastAll(wire.MustEncode(wire.TypePresence, wire.PresenceEvent{
		UserID:   u.UserID,
		Username: u.Username,
		Status:   u.Status.String(),
	}))
}

// Handle processes one inbound frame. Failures never escape: they come back
// to the caller's session as error frames with stable codes.
func (hd *Handler) Handle(ctx context.Context, s *Session, raw []byte) {
	s.Touch()
	hd.presence.Touch(s.UserID)

	env, err := wire.Decode(raw)
	if err != nil {
		hd.sendError(s, "decode", chat.ErrInvalidInput("malformed frame"))
		return
	}
	if err := hd.dispatch(ctx, s, env); err != nil {
		hd.sendError(s, env.Type, err)
	}
}

// Disconnect tears the session down: registry and rooms, presence, and the
// user's rate-limit buckets. A session already replaced by a newer connect
// leaves the successor's state alone.
func (hd *Handler) Disconnect(s *Session) {
	if hd.hub.Unregister(s) {
		hd.limiter.Reset(s.UserID)
	}
}

func (hd *Handler) dispatch(ctx context.Context, s *Session, env *wire.Envelope) error {
	switch env.Type {
	case wire.TypePing:
		s.TrySend(wire.MustEncode(wire.TypePong, wire.PongEvent{}))
		return nil
	case wire.TypeMessage:
		var req wire.MessageReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.roomMessage(ctx, s, req)
	case wire.TypeDM:
		var req wire.DMReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.directMessage(ctx, s, req)
	case wire.TypeJoin:
		var req wire.JoinReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.join(ctx, s, req)
	case wire.TypeLeave:
		var req wire.LeaveReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.leave(s, req)
	case wire.TypeRoomHistory:
		var req wire.RoomHistoryReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.roomHistory(ctx, s, req)
	case wire.TypeDMHistory:
		var req wire.DMHistoryReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.dmHistory(ctx, s, req)
	case wire.TypeReactionAdd, wire.TypeReactionRemove:
		var req wire.ReactionReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.reaction(ctx, s, req, env.Type == wire.TypeReactionAdd)
	case wire.TypeEdit:
		var req wire.EditReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.edit(ctx, s, req)
	case wire.TypeDelete:
		var req wire.DeleteReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.deleteMessage(ctx, s, req)
	case wire.TypePin, wire.TypeUnpin:
		var req wire.PinReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.pin(ctx, s, req, env.Type == wire.TypePin)
	case wire.TypeMarkRead:
		var req wire.MarkReadReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.markRead(ctx, s, req)
	case wire.TypeStatus:
		var req wire.StatusReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.setStatus(s, req)
	case wire.TypeBlock, wire.TypeUnblock:
		var req wire.BlockReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.block(ctx, s, req, env.Type == wire.TypeBlock)
	case wire.TypeSearch:
		var req wire.SearchReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.search(ctx, s, req)
	case wire.TypeConversations:
		return hd.conversations(ctx, s)
	case wire.TypePinned:
		var req wire.PinnedReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.pinned(ctx, s, req)
	case wire.TypeFlag:
		var req wire.FlagReq
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return hd.flag(ctx, s, req)
	default:
		return chat.ErrInvalidInput("unknown frame type " + env.Type)
	}
}

func (hd *Handler) roomMessage(ctx context.Context, s *Session, req wire.MessageReq) error {
	if err := chat.RequireCapability(s.Role, chat.CapSendMessage); err != nil {
		return err
	}
	room, err := hd.filter.ValidateRoomName(req.Room)
	if err != nil {
		return err
	}
	content, err := hd.filter.CheckMessage(req.Content)
	if err != nil {
		metrics.RecordFilterRejected(chat.RejectionReason(err))
		return err
	}
	if err := hd.limiter.Check(s.UserID, limits.ActionSendMessage); err != nil {
		return err
	}
	if !hd.hub.InRoom(room, s) {
		return chat.ErrPermissionDenied("join " + room + " before sending to it")
	}

	dctx, cancel := hd.dbCtx(ctx)
	msg, err := hd.store.SendRoomMessage(dctx, room, s.UserID, content, req.ParentID, mentionNames(content))
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return chat.ErrNotFound("parent message not found")
		case errors.Is(err, store.ErrRoomMismatch):
			return chat.ErrInvalidInput("parent message is not in that room")
		}
		return hd.storeErr("send_room_message", err)
	}

	hd.hub.BroadcastToRoom(room, wire.MustEncode(wire.TypeMessage, messageEvent(msg)))
	hd.hub.CountMessage(store.KindRoom)
	hd.log.Debug().
		Int64("id", msg.ID).
		Str("room", room).
		Int64("from", s.UserID).
		Msg("room message delivered")
	return nil
}

func (hd *Handler) directMessage(ctx context.Context, s *Session, req wire.DMReq) error {
	if err := chat.RequireCapability(s.Role, chat.CapSendDirectMessage); err != nil {
		return err
	}
	if req.To == s.UserID {
		return chat.ErrInvalidInput("cannot send a direct message to yourself")
	}
	if req.To <= 0 {
		return chat.ErrInvalidInput("recipient is required")
	}
	content, err := hd.filter.CheckMessage(req.Content)
	if err != nil {
		metrics.RecordFilterRejected(chat.RejectionReason(err))
		return err
	}
	if err := hd.limiter.Check(s.UserID, limits.ActionSendDM); err != nil {
		return err
	}

	dctx, cancel := hd.dbCtx(ctx)
	_, err = hd.store.UserByID(dctx, req.To)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.ErrNotFound("no such user")
		}
		return hd.storeErr("user_by_id", err)
	}

	dctx, cancel = hd.dbCtx(ctx)
	msg, err := hd.store.SendDirectMessage(dctx, s.UserID, req.To, content, req.ParentID)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrBlocked):
			// The sender must not learn about the block: swallow the refusal
			// and deliver nothing.
			hd.log.Debug().
				Int64("from", s.UserID).
				Int64("to", req.To).
				Msg("direct message suppressed by block")
			return nil
		case errors.Is(err, store.ErrNotFound):
			return chat.ErrNotFound("parent message not found")
		case errors.Is(err, store.ErrPairMismatch):
			return chat.ErrInvalidInput("parent message is not in this conversation")
		}
		return hd.storeErr("send_direct_message", err)
	}

	hd.hub.SendToUser(req.To, wire.MustEncode(wire.TypeDM, messageEvent(msg)))
	hd.hub.CountMessage(store.KindDirect)
	return nil
}

func (hd *Handler) join(ctx context.Context, s *Session, req wire.JoinReq) error {
	if err := chat.RequireCapability(s.Role, chat.CapJoinRoom); err != nil {
		return err
	}
	room, err := hd.filter.ValidateRoomName(req.Room)
	if err != nil {
		return err
	}
	if err := hd.limiter.Check(s.UserID, limits.ActionJoinRoom); err != nil {
		return err
	}

	dctx, cancel := hd.dbCtx(ctx)
	exists, err := hd.store.RoomExists(dctx, room)
	cancel()
	if err != nil {
		return hd.storeErr("room_exists", err)
	}
	if !exists {
		// First join creates the room, which is its own capability with its
		// own rate budget.
		if err := chat.RequireCapability(s.Role, chat.CapCreateRoom); err != nil {
			return err
		}
		if err := hd.limiter.Check(s.UserID, limits.ActionCreateRoom); err != nil {
			return err
		}
	}

	dctx, cancel = hd.dbCtx(ctx)
	created, err := hd.store.EnsureRoom(dctx, room, s.UserID)
	cancel()
	if err != nil {
		return hd.storeErr("ensure_room", err)
	}
	if created {
		hd.hub.CountRoomCreated()
	}

	n := hd.hub.JoinRoom(room, s)
	s.TrySend(wire.MustEncode(wire.TypeJoinAck, wire.JoinAck{Room: room, MemberCount: n}))
	hd.log.Debug().
		Str("room", room).
		Int64("user", s.UserID).
		Int("members", n).
		Bool("created", created).
		Msg("joined room")
	return nil
}

// leave is idempotent like join: leaving a room the session is not in still
// acks.
func (hd *Handler) leave(s *Session, req wire.LeaveReq) error {
	room, err := hd.filter.ValidateRoomName(req.Room)
	if err != nil {
		return err
	}
	hd.hub.LeaveRoom(room, s)
	s.TrySend(wire.MustEncode(wire.TypeLeaveAck, wire.LeaveAck{Room: room}))
	return nil
}

func (hd *Handler) roomHistory(ctx context.Context, s *Session, req wire.RoomHistoryReq) error {
	if err := chat.RequireCapability(s.Role, chat.CapViewRoomHistory); err != nil {
		return err
	}
	room, err := hd.filter.ValidateRoomName(req.Room)
	if err != nil {
		return err
	}
	limit, err := historyLimit(req.Limit)
	if err != nil {
		return err
	}
	if !hd.hub.InRoom(room, s) {
		return chat.ErrPermissionDenied("join " + room + " before reading its history")
	}

	dctx, cancel := hd.dbCtx(ctx)
	msgs, err := hd.store.RoomHistory(dctx, room, limit, beforeID(req.BeforeID), req.IncludeThreads)
	cancel()
	if err != nil {
		return hd.storeErr("room_history", err)
	}

	s.TrySend(wire.MustEncode(wire.TypeRoomHistory, wire.RoomHistoryPayload{
		Room:     room,
		Messages: messageEventsFor(s.UserID, msgs),
	}))
	return nil
}

func (hd *Handler) dmHistory(ctx context.Context, s *Session, req wire.DMHistoryReq) error {
	if err := chat.RequireCapability(s.Role, chat.CapViewDirectMessageHistory); err != nil {
		return err
	}
	if req.With <= 0 {
		return chat.ErrInvalidInput("counterpart user is required")
	}
	limit, err := historyLimit(req.Limit)
	if err != nil {
		return err
	}

	dctx, cancel := hd.dbCtx(ctx)
	msgs, err := hd.store.DMHistory(dctx, s.UserID, req.With, limit, beforeID(req.BeforeID))
	cancel()
	if err != nil {
		return hd.storeErr("dm_history", err)
	}

	s.TrySend(wire.MustEncode(wire.TypeDMHistory, wire.DMHistoryPayload{
		With:     req.With,
		Messages: messageEventsFor(s.UserID, msgs),
	}))
	return nil
}

func (hd *Handler) reaction(ctx context.Context, s *Session, req wire.ReactionReq, add bool) error {
	if err := chat.RequireCapability(s.Role, chat.CapSendMessage); err != nil {
		return err
	}
	tag, err := chat.NormalizeReaction(req.Emoji)
	if err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return chat.ErrInvalidInput("messageId is required")
	}

	dctx, cancel := hd.dbCtx(ctx)
	visible, err := hd.store.ReactionTargetVisible(dctx, req.MessageID, s.UserID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.ErrNotFound("message not found")
		}
		return hd.storeErr("reaction_target", err)
	}
	if !visible {
		// A direct message is invisible to third parties; do not reveal that
		// it exists.
		return chat.ErrNotFound("message not found")
	}

	dctx, cancel = hd.dbCtx(ctx)
	if add {
		err = hd.store.AddReaction(dctx, req.MessageID, s.UserID, tag)
	} else {
		err = hd.store.RemoveReaction(dctx, req.MessageID, s.UserID, tag)
	}
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrReactionExists):
			return chat.ErrConflict("reaction already recorded")
		case errors.Is(err, store.ErrNotFound) && add:
			return chat.ErrNotFound("message not found")
		case errors.Is(err, store.ErrNotFound):
			return chat.ErrNotFound("no such reaction")
		}
		return hd.storeErr("reaction", err)
	}
	if add {
		metrics.RecordReaction("add")
	} else {
		metrics.RecordReaction("remove")
	}

	dctx, cancel = hd.dbCtx(ctx)
	summary, total, err := hd.store.Reactions(dctx, req.MessageID)
	cancel()
	if err != nil {
		return hd.storeErr("reactions", err)
	}

	hd.hub.BroadcastAll(wire.MustEncode(wire.TypeReactionUpdate, wire.ReactionUpdate{
		MessageID:  req.MessageID,
		Reactions:  reactionsToWire(summary),
		TotalCount: total,
	}))
	return nil
}

func (hd *Handler) edit(ctx context.Context, s *Session, req wire.EditReq) error {
	if err := chat.RequireCapability(s.Role, chat.CapSendMessage); err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return chat.ErrInvalidInput("messageId is required")
	}
	content, err := hd.filter.CheckMessage(req.Content)
	if err != nil {
		metrics.RecordFilterRejected(chat.RejectionReason(err))
		return err
	}

	dctx, cancel := hd.dbCtx(ctx)
	_, err = hd.store.EditMessage(dctx, req.MessageID, s.UserID, content)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return chat.ErrNotFound("message not found")
		case errors.Is(err, store.ErrNotAuthor):
			return chat.ErrPermissionDenied("only the author can edit a message")
		}
		return hd.storeErr("edit_message", err)
	}

	s.TrySend(wire.MustEncode(wire.TypeEditAck, wire.Ack{MessageID: req.MessageID}))
	return nil
}

func (hd *Handler) deleteMessage(ctx context.Context, s *Session, req wire.DeleteReq) error {
	if req.MessageID <= 0 {
		return chat.ErrInvalidInput("messageId is required")
	}
	moderator := s.Role.Can(chat.CapDelete)

	dctx, cancel := hd.dbCtx(ctx)
	err := hd.store.DeleteMessage(dctx, req.MessageID, s.UserID, moderator)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return chat.ErrNotFound("message not found")
		case errors.Is(err, store.ErrNotAuthor):
			return chat.ErrPermissionDenied("only the author or a moderator can delete a message")
		}
		return hd.storeErr("delete_message", err)
	}

	s.TrySend(wire.MustEncode(wire.TypeDeleteAck, wire.Ack{MessageID: req.MessageID}))
	return nil
}

func (hd *Handler) pin(ctx context.Context, s *Session, req wire.PinReq, pinned bool) error {
	if err := chat.RequireCapability(s.Role, chat.CapPin); err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return chat.ErrInvalidInput("messageId is required")
	}
	if err := hd.limiter.Check(s.UserID, limits.ActionAdminAction); err != nil {
		return err
	}

	var err error
	dctx, cancel := hd.dbCtx(ctx)
	if pinned {
		var room string
		room, err = hd.filter.ValidateRoomName(req.Room)
		if err != nil {
			cancel()
			return err
		}
		err = hd.store.PinMessage(dctx, req.MessageID, room, s.UserID)
	} else {
		err = hd.store.UnpinMessage(dctx, req.MessageID, s.UserID)
	}
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return chat.ErrNotFound("message not found")
		case errors.Is(err, store.ErrRoomMismatch):
			return chat.ErrInvalidInput("message is not in that room")
		case errors.Is(err, store.ErrPinLimit):
			return chat.ErrLimitReached(fmt.Sprintf("room already has %d pinned messages", store.MaxPinnedPerRoom))
		}
		return hd.storeErr("pin_message", err)
	}

	s.TrySend(wire.MustEncode(wire.TypePinAck, wire.PinStateAck{MessageID: req.MessageID, Pinned: pinned}))
	return nil
}

func (hd *Handler) markRead(ctx context.Context, s *Session, req wire.MarkReadReq) error {
	if err := chat.RequireCapability(s.Role, chat.CapViewDirectMessageHistory); err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return chat.ErrInvalidInput("messageId is required")
	}

	dctx, cancel := hd.dbCtx(ctx)
	_, err := hd.store.MarkDMRead(dctx, req.MessageID, s.UserID)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return chat.ErrNotFound("message not found")
		case errors.Is(err, store.ErrNotRecipient):
			return chat.ErrPermissionDenied("only the recipient can mark a message read")
		}
		return hd.storeErr("mark_read", err)
	}

	s.TrySend(wire.MustEncode(wire.TypeReadAck, wire.Ack{MessageID: req.MessageID}))
	return nil
}

// setStatus applies an explicit presence choice. The resulting delta frame
// doubles as the ack; a no-op change emits nothing.
func (hd *Handler) setStatus(s *Session, req wire.StatusReq) error {
	status, err := chat.ParseStatus(req.Status)
	if err != nil {
		return err
	}
	hd.presence.Set(s.UserID, status)
	return nil
}

func (hd *Handler) block(ctx context.Context, s *Session, req wire.BlockReq, blocked bool) error {
	if err := chat.RequireCapability(s.Role, chat.CapSendDirectMessage); err != nil {
		return err
	}
	if req.UserID == s.UserID {
		return chat.ErrInvalidInput("cannot block yourself")
	}
	if req.UserID <= 0 {
		return chat.ErrInvalidInput("userId is required")
	}

	dctx, cancel := hd.dbCtx(ctx)
	_, err := hd.store.UserByID(dctx, req.UserID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.ErrNotFound("no such user")
		}
		return hd.storeErr("user_by_id", err)
	}

	dctx, cancel = hd.dbCtx(ctx)
	if blocked {
		err = hd.store.BlockUser(dctx, s.UserID, req.UserID)
	} else {
		err = hd.store.UnblockUser(dctx, s.UserID, req.UserID)
	}
	cancel()
	if err != nil {
		return hd.storeErr("block_user", err)
	}

	s.TrySend(wire.MustEncode(wire.TypeBlockAck, wire.BlockStateAck{UserID: req.UserID, Blocked: blocked}))
	return nil
}

func (hd *Handler) search(ctx context.Context, s *Session, req wire.SearchReq) error {
	if err := chat.RequireCapability(s.Role, chat.CapViewRoomHistory); err != nil {
		return err
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return chat.ErrInvalidInput("search query is empty")
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultSearchLimit
	}
	if limit < 1 || limit > maxHistoryLimit {
		return chat.ErrInvalidInput(fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
	}
	room := ""
	if req.Room != "" {
		var err error
		room, err = hd.filter.ValidateRoomName(req.Room)
		if err != nil {
			return err
		}
	}

	dctx, cancel := hd.dbCtx(ctx)
	msgs, err := hd.store.SearchMessages(dctx, s.UserID, query, room, limit)
	cancel()
	if err != nil {
		return hd.storeErr("search_messages", err)
	}

	s.TrySend(wire.MustEncode(wire.TypeSearchResults, wire.SearchResultsPayload{
		Query:    query,
		Messages: messageEventsFor(s.UserID, msgs),
	}))
	return nil
}

func (hd *Handler) conversations(ctx context.Context, s *Session) error {
	if err := chat.RequireCapability(s.Role, chat.CapViewDirectMessageHistory); err != nil {
		return err
	}

	dctx, cancel := hd.dbCtx(ctx)
	convs, err := hd.store.DMConversations(dctx, s.UserID)
	cancel()
	if err != nil {
		return hd.storeErr("dm_conversations", err)
	}

	out := make([]wire.Conversation, len(convs))
	for i, c := range convs {
		out[i] = wire.Conversation{
			WithUser:    c.PeerID,
			Username:    c.Username,
			LastContent: c.LastContent,
			LastAt:      c.LastAt.UTC().Format(time.RFC3339),
			Unread:      c.Unread,
		}
	}
	s.TrySend(wire.MustEncode(wire.TypeConversations, wire.ConversationsPayload{Conversations: out}))
	return nil
}

func (hd *Handler) pinned(ctx context.Context, s *Session, req wire.PinnedReq) error {
	if err := chat.RequireCapability(s.Role, chat.CapViewRoomHistory); err != nil {
		return err
	}
	room, err := hd.filter.ValidateRoomName(req.Room)
	if err != nil {
		return err
	}
	if !hd.hub.InRoom(room, s) {
		return chat.ErrPermissionDenied("join " + room + " before reading its pins")
	}

	dctx, cancel := hd.dbCtx(ctx)
	msgs, err := hd.store.PinnedMessages(dctx, room)
	cancel()
	if err != nil {
		return hd.storeErr("pinned_messages", err)
	}

	s.TrySend(wire.MustEncode(wire.TypePinned, wire.PinnedPayload{
		Room:     room,
		Messages: messageEventsFor(s.UserID, msgs),
	}))
	return nil
}

func (hd *Handler) flag(ctx context.Context, s *Session, req wire.FlagReq) error {
	if err := chat.RequireCapability(s.Role, chat.CapModerate); err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return chat.ErrInvalidInput("messageId is required")
	}
	if err := hd.limiter.Check(s.UserID, limits.ActionAdminAction); err != nil {
		return err
	}
	notes := ""
	if strings.TrimSpace(req.Notes) != "" {
		notes = chat.Sanitize(req.Notes)
	}

	dctx, cancel := hd.dbCtx(ctx)
	err := hd.store.FlagMessage(dctx, req.MessageID, s.UserID, notes)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.ErrNotFound("message not found")
		}
		return hd.storeErr("flag_message", err)
	}

	s.TrySend(wire.MustEncode(wire.TypeFlagAck, wire.Ack{MessageID: req.MessageID}))
	return nil
}

// Announce persists a system notice in a room and fans it out to room
// members. With an empty room it broadcasts to every session without
// persisting.
func (hd *Handler) Announce(ctx context.Context, room, content string) error {
	content, err := hd.filter.CheckMessage(content)
	if err != nil {
		return err
	}
	if room == "" {
		hd.hub.BroadcastAll(wire.MustEncode(wire.TypeMessage, wire.MessageEvent{
			FromUser:  store.SystemAuthorID,
			Username:  "system",
			Content:   content,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}))
		return nil
	}

	room, err = hd.filter.ValidateRoomName(room)
	if err != nil {
		return err
	}
	dctx, cancel := hd.dbCtx(ctx)
	msg, err := hd.store.SendSystemMessage(dctx, room, content)
	cancel()
	if err != nil {
		return hd.storeErr("send_system_message", err)
	}

	hd.hub.BroadcastToRoom(room, wire.MustEncode(wire.TypeMessage, messageEvent(msg)))
	hd.hub.CountMessage(store.KindSystem)
	return nil
}

func (hd *Handler) sendError(s *Session, intent string, err error) {
	de, ok := chat.As(err)
	if !ok {
		hd.log.Error().Err(err).Str("intent", intent).Msg("unclassified intent failure")
		de = chat.ErrTransient("temporary failure, retry shortly")
	}
	s.TrySend(wire.MustEncode(wire.TypeError, wire.ErrorEvent{Code: de.Code, Message: de.Message}))
	hd.log.Debug().
		Str("intent", intent).
		Str("code", de.Code).
		Int64("user", s.UserID).
		Msg("intent rejected")
}

// storeErr logs an unexpected storage failure and maps it to the transient
// code. Sentinel errors are handled at each call site.
func (hd *Handler) storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		hd.log.Warn().Err(err).Str("op", op).Msg("store operation timed out")
	} else {
		hd.log.Error().Err(err).Str("op", op).Msg("store operation failed")
	}
	return chat.ErrTransient("temporary failure, retry shortly")
}

func (hd *Handler) dbCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, hd.dbTimeout)
}

func decodePayload(env *wire.Envelope, dst any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return chat.ErrInvalidInput("malformed " + env.Type + " payload")
	}
	return nil
}

func historyLimit(n int) (int, error) {
	if n < 1 || n > maxHistoryLimit {
		return 0, chat.ErrInvalidInput(fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
	}
	return n, nil
}

func beforeID(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// mentionNames pulls unique @names out of sanitized content. Names that do
// not resolve to users are dropped by the store.
func mentionNames(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var names []string
	for _, m := range matches {
		name := m[1]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func messageEvent(m *store.Message) wire.MessageEvent {
	ev := wire.MessageEvent{
		ID:          m.ID,
		FromUser:    m.AuthorID,
		Username:    m.AuthorUsername,
		Content:     m.Content,
		Timestamp:   m.CreatedAt.UTC().Format(time.RFC3339),
		ParentID:    m.ParentID,
		Edited:      m.Edited,
		Pinned:      m.Pinned,
		Flagged:     m.Flagged,
		ThreadCount: m.ThreadCount,
	}
	if m.Kind == store.KindDirect {
		ev.ToUser = m.RecipientID
	} else {
		ev.Room = m.Room
	}
	if m.Status != store.StatusSent {
		ev.Status = m.Status
	}
	if len(m.Reactions) > 0 {
		ev.Reactions = reactionsToWire(m.Reactions)
	}
	if len(m.Mentions) > 0 {
		ev.Mentions = m.Mentions
	}
	return ev
}

// messageEventsFor renders history rows for one viewer. Pre-edit content is
// attached only to the viewer's own messages.
func messageEventsFor(viewer int64, msgs []store.Message) []wire.MessageEvent {
	out := make([]wire.MessageEvent, len(msgs))
	for i := range msgs {
		out[i] = messageEvent(&msgs[i])
		if msgs[i].AuthorID == viewer && msgs[i].OriginalContent != "" {
			out[i].OriginalContent = msgs[i].OriginalContent
		}
	}
	return out
}

func reactionsToWire(in map[string][]store.Reactor) map[string][]wire.Reactor {
	out := make(map[string][]wire.Reactor, len(in))
	for emoji, users := range in {
		rs := make([]wire.Reactor, len(users))
		for i, u := range users {
			rs[i] = wire.Reactor{UserID: u.UserID, Username: u.Username}
		}
		out[emoji] = rs
	}
	return out
}
