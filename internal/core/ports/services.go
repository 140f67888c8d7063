package ports

import (
	"context"
	"time"

	"meshroom/internal/core/domain"
)

// JoinResult describes the effects of a join the caller has to deliver.
type JoinResult struct {
	Room    domain.RoomInfo
	Members []domain.UserID // everyone in the room after the join, joiner included
	Others  []domain.Member // members to notify with user-connected
	Created bool
	// Rejoined is set when the user was already a member; nobody is notified.
	Rejoined bool
	// Previous is the implicit leave of another room held by the same session.
	Previous *LeaveResult
}

// LeaveResult describes a removal. Removed is false when the user was not
// a member, in which case nothing must be notified.
type LeaveResult struct {
	RoomID      domain.RoomID
	UserID      domain.UserID
	Removed     bool
	RoomDeleted bool
	Remaining   []domain.Member
	IsPublic    bool
}

// RoomService is the room registry. Room metadata (name and visibility) is
// first-writer-wins: the config passed to Join is only applied when that
// join creates the room and is ignored otherwise. There is no update path.
type RoomService interface {
	Join(ctx context.Context, sessionID domain.SessionID, roomID domain.RoomID, userID domain.UserID, cfg *domain.RoomConfig) (*JoinResult, error)
	Leave(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*LeaveResult, error)
	Disconnect(ctx context.Context, sessionID domain.SessionID) (*LeaveResult, error)
	Resolve(ctx context.Context, sessionID domain.SessionID) (domain.Member, error)
	Members(ctx context.Context, roomID domain.RoomID) ([]domain.Member, error)
	PublicRooms(ctx context.Context) ([]domain.RoomInfo, error)
	PublicRoom(ctx context.Context, roomID domain.RoomID) (domain.RoomInfo, error)
	Metrics(ctx context.Context) domain.RelayMetrics
}

// EventPublisher fans registry changes out to other server instances.
type EventPublisher interface {
	PublishRoomEvent(ctx context.Context, event domain.RoomEvent) error
}

// RelayMetricsRecorder receives relay counters.
type RelayMetricsRecorder interface {
	RecordRelayed(event domain.EventType)
	RecordDropped(event domain.EventType, reason string)
	SetConnections(n int)
	SetRooms(metrics domain.RelayMetrics)
	ObserveDispatch(d time.Duration)
}
