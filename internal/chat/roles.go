package chat

import "fmt"

// Role is the authorization level carried by a session. Roles form a total
// order and capability sets nest: everything a role can do, higher roles can
// do too.
type Role int

const (
	RoleGuest Role = iota
	RoleUser
	RoleModerator
	RoleAdmin
	RoleOwner
)

var roleNames = map[Role]string{
	RoleGuest:     "guest",
	RoleUser:      "user",
	RoleModerator: "moderator",
	RoleAdmin:     "admin",
	RoleOwner:     "owner",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole maps a token role claim onto a Role. An empty claim degrades to
// guest; an unknown claim is rejected rather than guessed.
func ParseRole(s string) (Role, error) {
	switch s {
	case "":
		return RoleGuest, nil
	case "guest":
		return RoleGuest, nil
	case "user":
		return RoleUser, nil
	case "moderator":
		return RoleModerator, nil
	case "admin":
		return RoleAdmin, nil
	case "owner":
		return RoleOwner, nil
	default:
		return RoleGuest, fmt.Errorf("unknown role %q", s)
	}
}

// AtLeast reports whether r sits at or above other in the role order.
func (r Role) AtLeast(other Role) bool { return r >= other }

// Capability is one gated action family.
type Capability int

const (
	CapSendMessage Capability = iota
	CapSendDirectMessage
	CapJoinRoom
	CapCreateRoom
	CapViewRoomHistory
	CapViewDirectMessageHistory
	CapPin
	CapDelete
	CapModerate
	CapAdmin
)

var capabilityNames = map[Capability]string{
	CapSendMessage:              "send_message",
	CapSendDirectMessage:        "send_direct_message",
	CapJoinRoom:                 "join_room",
	CapCreateRoom:               "create_room",
	CapViewRoomHistory:          "view_room_history",
	CapViewDirectMessageHistory: "view_direct_message_history",
	CapPin:                      "pin",
	CapDelete:                   "delete",
	CapModerate:                 "moderate",
	CapAdmin:                    "admin",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

// minRoleFor fixes each capability's floor. Guests are read-only: they can
// enter rooms and read, nothing else.
var minRoleFor = map[Capability]Role{
	CapJoinRoom:                 RoleGuest,
	CapViewRoomHistory:          RoleGuest,
	CapSendMessage:              RoleUser,
	CapSendDirectMessage:        RoleUser,
	CapCreateRoom:               RoleUser,
	CapViewDirectMessageHistory: RoleUser,
	CapPin:                      RoleModerator,
	CapDelete:                   RoleModerator,
	CapModerate:                 RoleModerator,
	CapAdmin:                    RoleAdmin,
}

// Can reports whether the role holds the capability.
func (r Role) Can(c Capability) bool {
	floor, ok := minRoleFor[c]
	if !ok {
		return false
	}
	return r >= floor
}

// RequireCapability is the permission gate: it returns a PermissionDenied
// error naming the missing capability, or nil.
func RequireCapability(r Role, c Capability) error {
	if r.Can(c) {
		return nil
	}
	return ErrPermissionDenied(fmt.Sprintf("role %s lacks %s", r, c))
}
