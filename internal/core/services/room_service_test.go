package services

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishRoomEvent(ctx context.Context, event domain.RoomEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func newTestRoomService(t *testing.T, publisher ports.EventPublisher, maxMembers int) ports.RoomService {
	return NewRoomService(
		memory.NewMemoryRoomRepository(),
		memory.NewMemorySessionRepository(),
		publisher,
		maxMembers,
		zaptest.NewLogger(t).Sugar(),
	)
}

func TestRoomService_DirectoryScenario(t *testing.T) {
	ctx := context.Background()
	svc := newTestRoomService(t, nil, 0)

	res, err := svc.Join(ctx, "sa", "x8k29a", "alice", &domain.RoomConfig{Name: "Standup", IsPublic: true})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, res.Others)

	rooms, err := svc.PublicRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.RoomInfo{{RoomID: "x8k29a", Name: "Standup", Count: 1, IsPublic: true}}, rooms)

	res, err = svc.Join(ctx, "sb", "x8k29a", "bob", nil)
	require.NoError(t, err)
	assert.False(t, res.Created)
	require.Len(t, res.Others, 1)
	assert.Equal(t, domain.UserID("alice"), res.Others[0].UserID)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, res.Members)

	rooms, err = svc.PublicRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, 2, rooms[0].Count)

	left, err := svc.Leave(ctx, "x8k29a", "bob")
	require.NoError(t, err)
	assert.True(t, left.Removed)
	require.Len(t, left.Remaining, 1)
	assert.Equal(t, domain.UserID("alice"), left.Remaining[0].UserID)

	rooms, err = svc.PublicRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, 1, rooms[0].Count)

	left, err = svc.Disconnect(ctx, "sa")
	require.NoError(t, err)
	assert.True(t, left.Removed)
	assert.True(t, left.RoomDeleted)

	rooms, err = svc.PublicRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)

	_, err = svc.PublicRoom(ctx, "x8k29a")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomService_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	svc := newTestRoomService(t, nil, 0)

	_, err := svc.Join(ctx, "s1", "abc123", "alice", nil)
	require.NoError(t, err)

	res, err := svc.Join(ctx, "s2", "abc123", "bob", &domain.RoomConfig{Name: "Renamed", IsPublic: true})
	require.NoError(t, err)
	assert.Equal(t, "Room abc123", res.Room.Name)
	assert.False(t, res.Room.IsPublic)

	rooms, err := svc.PublicRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestRoomService_LeaveThenDisconnectNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	svc := newTestRoomService(t, nil, 0)

	_, err := svc.Join(ctx, "s1", "r1", "alice", nil)
	require.NoError(t, err)
	_, err = svc.Join(ctx, "s2", "r1", "bob", nil)
	require.NoError(t, err)

	first, err := svc.Leave(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.True(t, first.Removed)

	second, err := svc.Disconnect(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, second.Removed)

	third, err := svc.Leave(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.False(t, third.Removed)

	members, err := svc.Members(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, domain.UserID("alice"), members[0].UserID)
}

func TestRoomService_RejoinFromNewSession(t *testing.T) {
	ctx := context.Background()
	svc := newTestRoomService(t, nil, 0)

	_, err := svc.Join(ctx, "old", "r1", "alice", nil)
	require.NoError(t, err)
	_, err = svc.Join(ctx, "s2", "r1", "bob", nil)
	require.NoError(t, err)

	res, err := svc.Join(ctx, "new", "r1", "alice", nil)
	require.NoError(t, err)
	assert.True(t, res.Rejoined)
	assert.Empty(t, res.Others)

	// The stale socket closing must not evict the user.
	left, err := svc.Disconnect(ctx, "old")
	require.NoError(t, err)
	assert.False(t, left.Removed)

	member, err := svc.Resolve(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), member.UserID)

	_, err = svc.Resolve(ctx, "old")
	assert.Error(t, err)
}

func TestRoomService_JoinSameRoomTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestRoomService(t, nil, 0)

	_, err := svc.Join(ctx, "s1", "r1", "alice", nil)
	require.NoError(t, err)

	res, err := svc.Join(ctx, "s1", "r1", "alice", nil)
	require.NoError(t, err)
	assert.True(t, res.Rejoined)
	assert.Equal(t, 1, res.Room.Count)
}

func TestRoomService_SwitchRoomLeavesPrevious(t *testing.T) {
	ctx := context.Background()
	svc := newTestRoomService(t, nil, 0)

	_, err := svc.Join(ctx, "s1", "r1", "alice", &domain.RoomConfig{IsPublic: true})
	require.NoError(t, err)
	_, err = svc.Join(ctx, "s2", "r1", "bob", nil)
	require.NoError(t, err)

	res, err := svc.Join(ctx, "s1", "r2", "alice", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Previous)
	assert.Equal(t, domain.RoomID("r1"), res.Previous.RoomID)
	require.Len(t, res.Previous.Remaining, 1)
	assert.Equal(t, domain.UserID("bob"), res.Previous.Remaining[0].UserID)

	member, err := svc.Resolve(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r2"), member.RoomID)
}

func TestRoomService_RoomFull(t *testing.T) {
	ctx := context.Background()
	svc := newTestRoomService(t, nil, 2)

	_, err := svc.Join(ctx, "s1", "r1", "alice", nil)
	require.NoError(t, err)
	_, err = svc.Join(ctx, "s2", "r1", "bob", nil)
	require.NoError(t, err)

	_, err = svc.Join(ctx, "s3", "r1", "carol", nil)
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	// Existing members can still re-join.
	_, err = svc.Join(ctx, "s1", "r1", "alice", nil)
	assert.NoError(t, err)
}

func TestRoomService_InvalidInput(t *testing.T) {
	ctx := context.Background()
	svc := newTestRoomService(t, nil, 0)

	_, err := svc.Join(ctx, "s1", "", "alice", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRoomID)

	_, err = svc.Join(ctx, "s1", "r1", "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidUserID)
}

func TestRoomService_PublishesLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	publisher := new(MockEventPublisher)
	svc := newTestRoomService(t, publisher, 0)

	ofType := func(eventType domain.RoomEventType) interface{} {
		return mock.MatchedBy(func(e domain.RoomEvent) bool { return e.Type == eventType })
	}

	publisher.On("PublishRoomEvent", mock.Anything, ofType(domain.RoomEventCreated)).Return(nil).Once()
	publisher.On("PublishRoomEvent", mock.Anything, ofType(domain.RoomEventMemberJoined)).Return(nil).Once()
	publisher.On("PublishRoomEvent", mock.Anything, ofType(domain.RoomEventMemberLeft)).Return(nil).Once()
	publisher.On("PublishRoomEvent", mock.Anything, ofType(domain.RoomEventDeleted)).Return(fmt.Errorf("bus down")).Once()

	_, err := svc.Join(ctx, "s1", "r1", "alice", nil)
	require.NoError(t, err)

	// Publishing failures are logged and never fail the leave.
	_, err = svc.Leave(ctx, "r1", "alice")
	require.NoError(t, err)

	publisher.AssertExpectations(t)
}

func TestRoomService_CountMatchesLiveMembers(t *testing.T) {
	ctx := context.Background()
	svc := newTestRoomService(t, nil, 0)
	rng := rand.New(rand.NewSource(42))

	rooms := []domain.RoomID{"r1", "r2", "r3"}
	users := []domain.UserID{"u1", "u2", "u3", "u4", "u5", "u6"}
	model := make(map[domain.UserID]domain.RoomID)

	for i := 0; i < 500; i++ {
		user := users[rng.Intn(len(users))]
		session := domain.SessionID("s-" + string(user))

		switch rng.Intn(3) {
		case 0:
			room := rooms[rng.Intn(len(rooms))]
			_, err := svc.Join(ctx, session, room, user, &domain.RoomConfig{IsPublic: true})
			require.NoError(t, err)
			model[user] = room
		case 1:
			if room, ok := model[user]; ok {
				_, err := svc.Leave(ctx, room, user)
				require.NoError(t, err)
				delete(model, user)
			}
		case 2:
			_, err := svc.Disconnect(ctx, session)
			require.NoError(t, err)
			delete(model, user)
		}

		expected := make(map[domain.RoomID]int)
		for _, room := range model {
			expected[room]++
		}

		listed, err := svc.PublicRooms(ctx)
		require.NoError(t, err)
		got := make(map[domain.RoomID]int)
		for _, info := range listed {
			got[info.RoomID] = info.Count
		}
		require.Equal(t, expected, got, "step %d", i)

		for _, room := range rooms {
			_, err := svc.Members(ctx, room)
			if expected[room] == 0 {
				require.ErrorIs(t, err, domain.ErrRoomNotFound)
			} else {
				require.NoError(t, err)
			}
		}
	}
}
