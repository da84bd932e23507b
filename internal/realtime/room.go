package realtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RoomKind distinguishes the families of broadcast rooms.
type RoomKind string

const (
	RoomConversation RoomKind = "conversation"
	RoomGroup        RoomKind = "group"
	RoomOrganization RoomKind = "org"
	RoomUser         RoomKind = "user"
)

// ErrInvalidRoom is returned for malformed or unknown room identifiers.
var ErrInvalidRoom = errors.New("invalid room")

// Room is a typed broadcast scope such as conversation:12 or user:7.
type Room struct {
	Kind RoomKind
	ID   uint
}

// ConversationRoom is the room of a direct conversation.
func ConversationRoom(id uint) Room { return Room{Kind: RoomConversation, ID: id} }

// GroupRoom is the room of a group chat.
func GroupRoom(id uint) Room { return Room{Kind: RoomGroup, ID: id} }

// OrganizationRoom receives presence changes for one tenant.
func OrganizationRoom(id uint) Room { return Room{Kind: RoomOrganization, ID: id} }

// UserRoom addresses every connection of one user.
func UserRoom(id uint) Room { return Room{Kind: RoomUser, ID: id} }

func (r Room) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Validate rejects zero ids and unknown kinds.
func (r Room) Validate() error {
	switch r.Kind {
	case RoomConversation, RoomGroup, RoomOrganization, RoomUser:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRoom, r.Kind)
	}
	if r.ID == 0 {
		return fmt.Errorf("%w: %s requires an id", ErrInvalidRoom, r.Kind)
	}
	return nil
}

// ParseRoom decodes the "<kind>:<id>" form produced by String.
func ParseRoom(value string) (Room, error) {
	kind, rawID, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, value)
	}
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, value)
	}
	room := Room{Kind: RoomKind(kind), ID: uint(id)}
	if err := room.Validate(); err != nil {
		return Room{}, err
	}
	return room, nil
}
