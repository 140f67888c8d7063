package ports

import (
	"context"

	"meshroom/internal/core/domain"
)

type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Update(ctx context.Context, room *domain.Room) error
	Delete(ctx context.Context, id domain.RoomID) error
	List(ctx context.Context) ([]*domain.Room, error)
}

// SessionRepository maps a transport session to the membership it holds.
type SessionRepository interface {
	Bind(ctx context.Context, member domain.Member) error
	Lookup(ctx context.Context, sessionID domain.SessionID) (domain.Member, error)
	Unbind(ctx context.Context, sessionID domain.SessionID) error
}
