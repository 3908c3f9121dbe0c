// Package wire defines the JSON frames exchanged over a chat connection.
//
// Every frame is a small envelope {"type": ..., "data": {...}}. Inbound
// frames carry client intents; outbound frames carry events and acks. The
// payload shapes here are the protocol contract: field names are stable and
// timestamps are RFC3339 UTC.
package wire

import (
	"encoding/json"
	"fmt"
)

// Inbound frame types.
const (
	TypeMessage        = "message"
	TypeDM             = "dm"
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeRoomHistory    = "room_history"
	TypeDMHistory      = "dm_history"
	TypeReactionAdd    = "reaction_add"
	TypeReactionRemove = "reaction_remove"
	TypeEdit           = "edit"
	TypeDelete         = "delete"
	TypePin            = "pin"
	TypeUnpin          = "unpin"
	TypeMarkRead       = "mark_read"
	TypePing           = "ping"
	TypeStatus         = "status"
	TypeBlock          = "block"
	TypeUnblock        = "unblock"
	TypeSearch         = "search"
	TypeConversations  = "conversations"
	TypePinned         = "pinned"
	TypeFlag           = "flag"
)

// Outbound frame types.
const (
	TypeJoinAck        = "join_ack"
	TypeLeaveAck       = "leave_ack"
	TypeReactionUpdate = "reaction_update"
	TypePresence       = "presence"
	TypeError          = "error"
	TypePong           = "pong"
	TypeSearchResults  = "search_results"
	TypeReadAck        = "read_ack"
	TypeEditAck        = "edit_ack"
	TypeDeleteAck      = "delete_ack"
	TypePinAck         = "pin_ack"
	TypeBlockAck       = "block_ack"
	TypeFlagAck        = "flag_ack"
)

// Envelope is the outer shape of every frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw inbound frame into its envelope.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	return &env, nil
}

// Encode builds a complete outbound frame.
func Encode(typ string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	frame, err := json.Marshal(Envelope{Type: typ, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", typ, err)
	}
	return frame, nil
}

// MustEncode is Encode for payloads that cannot fail to marshal (plain
// structs of scalars). It panics on error, which indicates a programming bug.
func MustEncode(typ string, data any) []byte {
	frame, err := Encode(typ, data)
	if err != nil {
		panic(err)
	}
	return frame
}

// Outbound is one queued write for a session: a text frame payload, a
// protocol-level ping from the heartbeat supervisor, or the pong reply to a
// client ping.
type Outbound struct {
	Ping    bool
	Pong    bool
	Payload []byte
}

// ---------------------------------------------------------------------------
// Inbound payloads
// ---------------------------------------------------------------------------

// MessageReq asks to post a message to a room.
type MessageReq struct {
	Room     string `json:"room"`
	Content  string `json:"content"`
	ParentID *int64 `json:"parentId,omitempty"`
}

// DMReq asks to send a direct message to another user.
type DMReq struct {
	To       int64  `json:"to"`
	Content  string `json:"content"`
	ParentID *int64 `json:"parentId,omitempty"`
}

// JoinReq asks to join (and lazily create) a room.
type JoinReq struct {
	Room string `json:"room"`
}

// LeaveReq asks to leave a room.
type LeaveReq struct {
	Room string `json:"room"`
}

// RoomHistoryReq asks for recent room messages, newest first.
type RoomHistoryReq struct {
	Room           string `json:"room"`
	Limit          int    `json:"limit"`
	BeforeID       *int64 `json:"beforeId,omitempty"`
	IncludeThreads bool   `json:"includeThreads,omitempty"`
}

// DMHistoryReq asks for the DM thread with one counterpart.
type DMHistoryReq struct {
	With     int64  `json:"with"`
	Limit    int    `json:"limit"`
	BeforeID *int64 `json:"beforeId,omitempty"`
}

// ReactionReq adds or removes one reaction.
type ReactionReq struct {
	MessageID int64  `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// EditReq rewrites the content of an own message.
type EditReq struct {
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
}

// DeleteReq soft-deletes a message.
type DeleteReq struct {
	MessageID int64 `json:"messageId"`
}

// PinReq pins or unpins a message in a room.
type PinReq struct {
	MessageID int64  `json:"messageId"`
	Room      string `json:"room"`
}

// MarkReadReq marks a received DM as read.
type MarkReadReq struct {
	MessageID int64 `json:"messageId"`
}

// StatusReq sets the caller's presence status.
type StatusReq struct {
	Status string `json:"status"`
}

// BlockReq blocks or unblocks a user.
type BlockReq struct {
	UserID int64 `json:"userId"`
}

// SearchReq searches message content by substring.
type SearchReq struct {
	Query string `json:"query"`
	Room  string `json:"room,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// PinnedReq lists the pinned messages of a room.
type PinnedReq struct {
	Room string `json:"room"`
}

// FlagReq flags a message for moderation review.
type FlagReq struct {
	MessageID int64  `json:"messageId"`
	Notes     string `json:"notes,omitempty"`
}

// ---------------------------------------------------------------------------
// Outbound payloads
// ---------------------------------------------------------------------------

// MessageEvent is a delivered chat message. Room messages carry Room and no
// ToUser; direct messages carry ToUser and no Room. History replies reuse the
// same shape with the optional flag fields populated.
type MessageEvent struct {
	ID        int64  `json:"id"`
	FromUser  int64  `json:"fromUser"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Room      string `json:"room,omitempty"`
	ToUser    int64  `json:"toUser,omitempty"`
	ParentID  *int64 `json:"parentId,omitempty"`

	Edited      bool   `json:"edited,omitempty"`
	Pinned      bool   `json:"pinned,omitempty"`
	Flagged     bool   `json:"flagged,omitempty"`
	ThreadCount int    `json:"threadCount,omitempty"`
	Status      string `json:"status,omitempty"`

	// Set only on history replies, and only for the viewer's own edited
	// messages.
	OriginalContent string `json:"originalContent,omitempty"`

	// History replies also carry the reaction summary and resolved mentions.
	Reactions map[string][]Reactor `json:"reactions,omitempty"`
	Mentions  []int64              `json:"mentions,omitempty"`
}

// JoinAck confirms a join and reports the room's membership size.
type JoinAck struct {
	Room        string `json:"room"`
	MemberCount int    `json:"memberCount"`
}

// LeaveAck confirms a leave.
type LeaveAck struct {
	Room string `json:"room"`
}

// RoomHistoryPayload answers a room_history request.
type RoomHistoryPayload struct {
	Room     string         `json:"room"`
	Messages []MessageEvent `json:"messages"`
}

// DMHistoryPayload answers a dm_history request.
type DMHistoryPayload struct {
	With     int64          `json:"with"`
	Messages []MessageEvent `json:"messages"`
}

// Reactor identifies one user behind a reaction.
type Reactor struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// ReactionUpdate carries the full recomputed reaction state of a message.
type ReactionUpdate struct {
	MessageID  int64                `json:"messageId"`
	Reactions  map[string][]Reactor `json:"reactions"`
	TotalCount int                  `json:"totalCount"`
}

// PresenceEvent announces a presence transition.
type PresenceEvent struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// ErrorEvent reports a failed intent with a stable machine code.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongEvent answers an application-level ping.
type PongEvent struct{}

// Conversation summarizes one DM thread for the conversation list.
type Conversation struct {
	WithUser    int64  `json:"withUser"`
	Username    string `json:"username"`
	LastContent string `json:"lastContent"`
	LastAt      string `json:"lastAt"`
	Unread      int    `json:"unread"`
}

// ConversationsPayload answers a conversations request.
type ConversationsPayload struct {
	Conversations []Conversation `json:"conversations"`
}

// SearchResultsPayload answers a search request.
type SearchResultsPayload struct {
	Query    string         `json:"query"`
	Messages []MessageEvent `json:"messages"`
}

// PinnedPayload answers a pinned request.
type PinnedPayload struct {
	Room     string         `json:"room"`
	Messages []MessageEvent `json:"messages"`
}

// Ack carries the message id an intent acted on.
type Ack struct {
	MessageID int64 `json:"messageId"`
}

// PinStateAck reports the new pin state of a message.
type PinStateAck struct {
	MessageID int64 `json:"messageId"`
	Pinned    bool  `json:"pinned"`
}

// BlockStateAck reports the new block state toward a user.
type BlockStateAck struct {
	UserID  int64 `json:"userId"`
	Blocked bool  `json:"blocked"`
}
