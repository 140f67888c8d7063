package memory

import (
	"context"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]domain.Member
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]domain.Member),
	}
}

func (r *MemorySessionRepository) Bind(ctx context.Context, member domain.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[member.SessionID] = member
	return nil
}

func (r *MemorySessionRepository) Lookup(ctx context.Context, sessionID domain.SessionID) (domain.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	member, exists := r.sessions[sessionID]
	if !exists {
		return domain.Member{}, domain.ErrNotInRoom
	}
	return member, nil
}

func (r *MemorySessionRepository) Unbind(ctx context.Context, sessionID domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
	return nil
}
