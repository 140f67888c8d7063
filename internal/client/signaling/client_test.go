package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"meshroom/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRelay answers ping, get-rooms and join the way the real relay does
// and records every event type it receives.
type fakeRelay struct {
	mu       sync.Mutex
	received []domain.EventType
	conns    []*websocket.Conn
}

func (f *fakeRelay) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		defer conn.Close()

		for {
			var env domain.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, env.Type)
			f.mu.Unlock()

			var reply domain.Envelope
			switch env.Type {
			case domain.EventPing:
				reply = domain.Envelope{Type: domain.EventPong, Payload: env.Payload}
			case domain.EventGetRooms:
				reply, _ = domain.NewEnvelope(domain.EventRoomsUpdate, []domain.RoomInfo{{RoomID: "x8k29a", Name: "Standup", Count: 1, IsPublic: true}})
			case domain.EventJoin:
				var p domain.JoinPayload
				_ = json.Unmarshal(env.Payload, &p)
				reply, _ = domain.NewEnvelope(domain.EventRoomJoined, domain.RoomJoinedPayload{RoomID: p.RoomID, Members: []domain.UserID{p.UserID}})
			default:
				continue
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}

func (f *fakeRelay) sawEvent(event domain.EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.received {
		if e == event {
			return true
		}
	}
	return false
}

func (f *fakeRelay) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
}

func newTestClient(t *testing.T, relay *fakeRelay) *Client {
	srv := httptest.NewServer(relay.handler(t))
	t.Cleanup(srv.Close)

	return NewClient(Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		PingInterval:   time.Second,
		PongTimeout:    2 * time.Second,
		WriteTimeout:   time.Second,
		MaxMessageSize: 64 * 1024,
		DialAttempts:   2,
		RoomsInterval:  20 * time.Millisecond,
	}, zap.NewNop().Sugar())
}

func next(t *testing.T, c *Client, event domain.EventType) domain.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.Incoming():
			require.True(t, ok, "incoming closed while waiting for %s", event)
			if env.Type == event {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func TestClient_JoinAndPoll(t *testing.T) {
	relay := &fakeRelay{}
	client := newTestClient(t, relay)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.Equal(t, StatusOnline, client.Status())

	require.NoError(t, client.Send(domain.EventJoin, domain.JoinPayload{RoomID: "x8k29a", UserID: "alice"}))
	env := next(t, client, domain.EventRoomJoined)

	var joined domain.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &joined))
	assert.Equal(t, domain.RoomID("x8k29a"), joined.RoomID)

	env = next(t, client, domain.EventRoomsUpdate)
	var rooms []domain.RoomInfo
	require.NoError(t, json.Unmarshal(env.Payload, &rooms))
	require.Len(t, rooms, 1)

	require.Eventually(t, func() bool { return client.Latency() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_StatusGoesOfflineWhenServerDrops(t *testing.T) {
	relay := &fakeRelay{}
	client := newTestClient(t, relay)

	statuses := make(chan Status, 8)
	client.OnStatusChange(func(s Status) { statuses <- s })

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StatusConnecting, <-statuses)
	assert.Equal(t, StatusOnline, <-statuses)

	require.Eventually(t, func() bool { return relay.sawEvent(domain.EventPing) }, 2*time.Second, 10*time.Millisecond)
	relay.dropAll()

	select {
	case s := <-statuses:
		assert.Equal(t, StatusOffline, s)
	case <-time.After(2 * time.Second):
		t.Fatal("status did not change to offline")
	}

	assert.ErrorIs(t, client.Send(domain.EventGetRooms, nil), ErrClosed)
}

func TestClient_CloseFlushesPendingLeave(t *testing.T) {
	relay := &fakeRelay{}
	client := newTestClient(t, relay)
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Send(domain.EventLeave, domain.LeavePayload{RoomID: "x8k29a", UserID: "alice"}))
	client.Close()

	require.Eventually(t, func() bool { return relay.sawEvent(domain.EventLeave) }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	client := NewClient(Options{URL: url, DialAttempts: 1}, zap.NewNop().Sugar())
	err := client.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusOffline, client.Status())
}

func TestClient_RejectsNonWebsocketURL(t *testing.T) {
	client := NewClient(Options{URL: "http://localhost:3001/ws"}, zap.NewNop().Sugar())
	assert.Error(t, client.Connect(context.Background()))
}
