package domain

import (
	"sort"
	"time"
)

type RoomID string
type UserID string
type SessionID string

// RoomConfig carries the metadata a joiner may propose for a room.
// It only takes effect when the join creates the room.
type RoomConfig struct {
	Name     string `json:"name,omitempty" msgpack:"name,omitempty"`
	IsPublic bool   `json:"isPublic" msgpack:"is_public"`
}

type Room struct {
	ID        RoomID
	Name      string
	IsPublic  bool
	Members   map[UserID]SessionID
	CreatedAt time.Time
}

// RoomInfo is the public directory view of a room. Member identities are
// never part of it.
type RoomInfo struct {
	RoomID   RoomID `json:"roomId"`
	Name     string `json:"name"`
	Count    int    `json:"count"`
	IsPublic bool   `json:"isPublic"`
}

func DefaultRoomName(id RoomID) string {
	return "Room " + string(id)
}

// NewRoom builds an empty room. A nil config, or one without a name, falls
// back to a private room named after its id.
func NewRoom(id RoomID, cfg *RoomConfig, now time.Time) *Room {
	room := &Room{
		ID:        id,
		Name:      DefaultRoomName(id),
		Members:   make(map[UserID]SessionID),
		CreatedAt: now,
	}
	if cfg != nil {
		room.IsPublic = cfg.IsPublic
		if cfg.Name != "" {
			room.Name = cfg.Name
		}
	}
	return room
}

func (r *Room) Count() int {
	return len(r.Members)
}

func (r *Room) Has(userID UserID) bool {
	_, ok := r.Members[userID]
	return ok
}

// MemberIDs returns the member ids in a stable order.
func (r *Room) MemberIDs() []UserID {
	ids := make([]UserID, 0, len(r.Members))
	for id := range r.Members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Room) Info() RoomInfo {
	return RoomInfo{
		RoomID:   r.ID,
		Name:     r.Name,
		Count:    r.Count(),
		IsPublic: r.IsPublic,
	}
}

// Clone returns a deep copy safe to hand out of a repository.
func (r *Room) Clone() *Room {
	cp := *r
	cp.Members = make(map[UserID]SessionID, len(r.Members))
	for k, v := range r.Members {
		cp.Members[k] = v
	}
	return &cp
}

// Member binds a logical user to the transport session it joined from.
type Member struct {
	RoomID    RoomID
	UserID    UserID
	SessionID SessionID
}
