package domain

import "time"

// RelayMetrics is a point-in-time view of the signaling server.
type RelayMetrics struct {
	Timestamp         time.Time
	ActiveRooms       int
	PublicRooms       int
	ActiveMembers     int
	ActiveConnections int
}
