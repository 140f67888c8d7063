package domain

import "time"

// RoomEventType classifies registry changes published to other instances.
type RoomEventType string

const (
	RoomEventCreated      RoomEventType = "room.created"
	RoomEventDeleted      RoomEventType = "room.deleted"
	RoomEventMemberJoined RoomEventType = "member.joined"
	RoomEventMemberLeft   RoomEventType = "member.left"
)

type RoomEvent struct {
	Type      RoomEventType `msgpack:"type" json:"type"`
	RoomID    RoomID        `msgpack:"room_id" json:"roomId"`
	UserID    UserID        `msgpack:"user_id,omitempty" json:"userId,omitempty"`
	Count     int           `msgpack:"count" json:"count"`
	IsPublic  bool          `msgpack:"is_public" json:"isPublic"`
	Timestamp time.Time     `msgpack:"timestamp" json:"timestamp"`
}
