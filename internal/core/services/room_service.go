package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"go.uber.org/zap"
)

type roomService struct {
	mu sync.Mutex

	roomRepo    ports.RoomRepository
	sessionRepo ports.SessionRepository
	publisher   ports.EventPublisher
	maxMembers  int
	logger      *zap.SugaredLogger
	now         func() time.Time
}

// NewRoomService returns the room registry. publisher may be nil. A
// maxMembers of zero means rooms are unbounded.
func NewRoomService(
	roomRepo ports.RoomRepository,
	sessionRepo ports.SessionRepository,
	publisher ports.EventPublisher,
	maxMembers int,
	logger *zap.SugaredLogger,
) ports.RoomService {
	return &roomService{
		roomRepo:    roomRepo,
		sessionRepo: sessionRepo,
		publisher:   publisher,
		maxMembers:  maxMembers,
		logger:      logger,
		now:         time.Now,
	}
}

// Join registers userID in roomID for the given session.
//
// Room metadata is first-writer-wins: cfg is applied only when this join
// creates the room. Later joiners cannot rename a room or change its
// visibility. A session that already belongs to another room leaves it
// first through the regular leave path.
func (s *roomService) Join(ctx context.Context, sessionID domain.SessionID, roomID domain.RoomID, userID domain.UserID, cfg *domain.RoomConfig) (*ports.JoinResult, error) {
	if roomID == "" {
		return nil, domain.ErrInvalidRoomID
	}
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := &ports.JoinResult{}

	prev, err := s.sessionRepo.Lookup(ctx, sessionID)
	hasPrev := err == nil

	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}

	if room != nil {
		if current, ok := room.Members[userID]; ok {
			return s.rejoinLocked(ctx, room, userID, current, sessionID)
		}
		if s.maxMembers > 0 && room.Count() >= s.maxMembers {
			return nil, domain.ErrRoomFull
		}
	}

	if hasPrev {
		left, err := s.removeLocked(ctx, prev.RoomID, prev.UserID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to leave previous room: %w", err)
		}
		if err := s.sessionRepo.Unbind(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("failed to unbind session: %w", err)
		}
		if left.Removed {
			result.Previous = left
		}
		if prev.RoomID == roomID {
			room, err = s.roomRepo.GetByID(ctx, roomID)
			if err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
				return nil, fmt.Errorf("failed to reload room: %w", err)
			}
		}
	}

	if room == nil {
		room = domain.NewRoom(roomID, cfg, s.now())
		result.Created = true
	}

	result.Others = membersOf(room)
	room.Members[userID] = sessionID

	if result.Created {
		err = s.roomRepo.Create(ctx, room)
	} else {
		err = s.roomRepo.Update(ctx, room)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store room: %w", err)
	}

	if err := s.sessionRepo.Bind(ctx, domain.Member{RoomID: roomID, UserID: userID, SessionID: sessionID}); err != nil {
		return nil, fmt.Errorf("failed to bind session: %w", err)
	}

	result.Room = room.Info()
	result.Members = room.MemberIDs()

	if result.Created {
		s.publish(ctx, domain.RoomEventCreated, room, "")
	}
	s.publish(ctx, domain.RoomEventMemberJoined, room, userID)

	s.logger.Infow("user joined room",
		"room_id", roomID,
		"user_id", userID,
		"members", room.Count(),
		"created", result.Created,
		"public", room.IsPublic,
	)

	return result, nil
}

// rejoinLocked handles a join by a user who is already a member, either
// from the same session or from a new one after a signaling reconnect.
// Nobody is notified since the membership did not change.
func (s *roomService) rejoinLocked(ctx context.Context, room *domain.Room, userID domain.UserID, current, sessionID domain.SessionID) (*ports.JoinResult, error) {
	if current != sessionID {
		room.Members[userID] = sessionID
		if err := s.roomRepo.Update(ctx, room); err != nil {
			return nil, fmt.Errorf("failed to store room: %w", err)
		}
		if err := s.sessionRepo.Unbind(ctx, current); err != nil {
			return nil, fmt.Errorf("failed to unbind session: %w", err)
		}
		if err := s.sessionRepo.Bind(ctx, domain.Member{RoomID: room.ID, UserID: userID, SessionID: sessionID}); err != nil {
			return nil, fmt.Errorf("failed to bind session: %w", err)
		}
		s.logger.Infow("user moved to new session",
			"room_id", room.ID,
			"user_id", userID,
		)
	}

	return &ports.JoinResult{
		Room:     room.Info(),
		Members:  room.MemberIDs(),
		Rejoined: true,
	}, nil
}

// Leave removes userID from roomID. Removing an absent user is a no-op.
func (s *roomService) Leave(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*ports.LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(ctx, roomID, userID, "")
}

// Disconnect removes whatever membership the session holds. If the user
// has since rejoined on another session the call is a no-op.
func (s *roomService) Disconnect(ctx context.Context, sessionID domain.SessionID) (*ports.LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, err := s.sessionRepo.Lookup(ctx, sessionID)
	if err != nil {
		return &ports.LeaveResult{}, nil
	}

	result, err := s.removeLocked(ctx, member.RoomID, member.UserID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessionRepo.Unbind(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to unbind session: %w", err)
	}
	return result, nil
}

// removeLocked is the single cleanup path shared by leave, disconnect and
// room switching. When sessionID is set the member is only removed if it is
// still bound to that session.
func (s *roomService) removeLocked(ctx context.Context, roomID domain.RoomID, userID domain.UserID, sessionID domain.SessionID) (*ports.LeaveResult, error) {
	result := &ports.LeaveResult{RoomID: roomID, UserID: userID}

	room, err := s.roomRepo.GetByID(ctx, roomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}

	current, ok := room.Members[userID]
	if !ok || (sessionID != "" && current != sessionID) {
		return result, nil
	}

	delete(room.Members, userID)
	if err := s.sessionRepo.Unbind(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to unbind session: %w", err)
	}

	result.Removed = true
	result.IsPublic = room.IsPublic

	if room.Count() == 0 {
		if err := s.roomRepo.Delete(ctx, roomID); err != nil {
			return nil, fmt.Errorf("failed to delete room: %w", err)
		}
		result.RoomDeleted = true
	} else {
		if err := s.roomRepo.Update(ctx, room); err != nil {
			return nil, fmt.Errorf("failed to store room: %w", err)
		}
		result.Remaining = membersOf(room)
	}

	s.publish(ctx, domain.RoomEventMemberLeft, room, userID)
	if result.RoomDeleted {
		s.publish(ctx, domain.RoomEventDeleted, room, "")
	}

	s.logger.Infow("user left room",
		"room_id", roomID,
		"user_id", userID,
		"members", room.Count(),
		"room_deleted", result.RoomDeleted,
	)

	return result, nil
}

// Resolve returns the membership the session currently holds.
func (s *roomService) Resolve(ctx context.Context, sessionID domain.SessionID) (domain.Member, error) {
	member, err := s.sessionRepo.Lookup(ctx, sessionID)
	if err != nil {
		return domain.Member{}, err
	}

	room, err := s.roomRepo.GetByID(ctx, member.RoomID)
	if err != nil {
		return domain.Member{}, err
	}
	if room.Members[member.UserID] != sessionID {
		return domain.Member{}, domain.ErrNotInRoom
	}
	return member, nil
}

func (s *roomService) Members(ctx context.Context, roomID domain.RoomID) ([]domain.Member, error) {
	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return membersOf(room), nil
}

// PublicRooms lists public rooms with at least one member, ordered by id.
func (s *roomService) PublicRooms(ctx context.Context) ([]domain.RoomInfo, error) {
	rooms, err := s.roomRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	infos := make([]domain.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		if room.IsPublic && room.Count() > 0 {
			infos = append(infos, room.Info())
		}
	}
	return infos, nil
}

func (s *roomService) PublicRoom(ctx context.Context, roomID domain.RoomID) (domain.RoomInfo, error) {
	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return domain.RoomInfo{}, err
	}
	if !room.IsPublic || room.Count() == 0 {
		return domain.RoomInfo{}, domain.ErrRoomNotFound
	}
	return room.Info(), nil
}

func (s *roomService) Metrics(ctx context.Context) domain.RelayMetrics {
	metrics := domain.RelayMetrics{Timestamp: s.now()}

	rooms, err := s.roomRepo.List(ctx)
	if err != nil {
		return metrics
	}
	for _, room := range rooms {
		metrics.ActiveRooms++
		metrics.ActiveMembers += room.Count()
		if room.IsPublic {
			metrics.PublicRooms++
		}
	}
	return metrics
}

func (s *roomService) publish(ctx context.Context, eventType domain.RoomEventType, room *domain.Room, userID domain.UserID) {
	if s.publisher == nil {
		return
	}

	event := domain.RoomEvent{
		Type:      eventType,
		RoomID:    room.ID,
		UserID:    userID,
		Count:     room.Count(),
		IsPublic:  room.IsPublic,
		Timestamp: s.now(),
	}
	if err := s.publisher.PublishRoomEvent(ctx, event); err != nil {
		s.logger.Warnw("failed to publish room event",
			"type", eventType,
			"room_id", room.ID,
			"error", err,
		)
	}
}

func membersOf(room *domain.Room) []domain.Member {
	members := make([]domain.Member, 0, len(room.Members))
	for userID, sessionID := range room.Members {
		members = append(members, domain.Member{RoomID: room.ID, UserID: userID, SessionID: sessionID})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}
