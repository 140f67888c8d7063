package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/tracing"
	"meshroom/pkg/validation"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	dropMalformed     = "malformed"
	dropNotInRoom     = "not_in_room"
	dropUnknownTarget = "unknown_target"
	dropUnknownEvent  = "unknown_event"
	dropSlowClient    = "slow_client"
	dropRoomFull      = "room_full"
)

type inbound struct {
	client *Client
	data   []byte
}

// Hub relays signaling envelopes between members of a room. Run is the only
// goroutine that touches sessions, so every event is handled to completion
// before the next one is looked at.
type Hub struct {
	rooms   ports.RoomService
	metrics ports.RelayMetricsRecorder
	logger  *zap.SugaredLogger

	sessions map[domain.SessionID]*Client
	evicted  []*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	done       chan struct{}

	connections atomic.Int64
}

func NewHub(rooms ports.RoomService, metrics ports.RelayMetricsRecorder, logger *zap.SugaredLogger) *Hub {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Hub{
		rooms:      rooms,
		metrics:    metrics,
		logger:     logger,
		sessions:   make(map[domain.SessionID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		done:       make(chan struct{}),
	}
}

// Connections returns the number of registered websockets.
func (h *Hub) Connections() int {
	return int(h.connections.Load())
}

// Run processes hub events until ctx is cancelled. Every open socket is
// closed on the way out.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for id, c := range h.sessions {
				delete(h.sessions, id)
				close(c.send)
			}
			h.connections.Store(0)
			h.metrics.SetConnections(0)
			return

		case c := <-h.register:
			h.sessions[c.sessionID] = c
			h.connectionsChanged()
			c.logger.Debugw("websocket registered", "user_hint", c.userHint)

		case c := <-h.unregister:
			if h.sessions[c.sessionID] != c {
				continue
			}
			h.drop(c)
			h.disconnect(ctx, c)

		case msg := <-h.inbound:
			h.dispatch(ctx, msg)
		}

		h.flushEvicted(ctx)
	}
}

func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) submit(c *Client, data []byte) bool {
	select {
	case h.inbound <- inbound{client: c, data: data}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) dispatch(ctx context.Context, msg inbound) {
	c := msg.client
	if h.sessions[c.sessionID] != c {
		return
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("panic while handling signaling event", "panic", r)
		}
		h.metrics.ObserveDispatch(time.Since(start))
	}()

	var env domain.Envelope
	if err := json.Unmarshal(msg.data, &env); err != nil || env.Type == "" {
		h.metrics.RecordDropped("", dropMalformed)
		h.sendError(c, "malformed envelope")
		return
	}

	ctx, span := tracing.TraceSignalEvent(ctx, string(env.Type), string(c.sessionID))
	defer span.End()
	defer tracing.MeasureDuration(ctx, start, string(env.Type))

	switch {
	case env.Type == domain.EventJoin:
		h.handleJoin(ctx, c, env)
	case env.Type == domain.EventLeave:
		h.handleLeave(ctx, c, env)
	case env.Type == domain.EventGetRooms:
		h.sendRooms(ctx, c)
	case env.Type == domain.EventPing:
		h.handlePing(c, env)
	case env.Type.IsUnicast():
		h.relayUnicast(ctx, c, env)
	case env.Type.IsBroadcast():
		h.relayBroadcast(ctx, c, env)
	default:
		h.metrics.RecordDropped(env.Type, dropUnknownEvent)
		c.logger.Debugw("ignoring unknown event", "type", env.Type)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, env domain.Envelope) {
	var p domain.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.sendError(c, "invalid join payload")
		return
	}
	if err := validateJoin(p); err != nil {
		h.sendError(c, err.Error())
		return
	}

	tracing.AddSpanAttributes(ctx,
		tracing.RoomIDKey.String(string(p.RoomID)),
		tracing.UserIDKey.String(string(p.UserID)),
	)

	res, err := h.rooms.Join(ctx, c.sessionID, p.RoomID, p.UserID, p.Config)
	if errors.Is(err, domain.ErrRoomFull) {
		h.metrics.RecordDropped(env.Type, dropRoomFull)
		h.send(c, domain.EventRoomFull, domain.RoomFullPayload{RoomID: p.RoomID})
		return
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Warnw("join failed", "room_id", p.RoomID, "user_id", p.UserID, "error", err)
		h.sendError(c, "failed to join room")
		return
	}

	if res.Previous != nil {
		h.notifyLeft(res.Previous)
	}

	h.send(c, domain.EventRoomJoined, domain.RoomJoinedPayload{
		RoomID:   res.Room.RoomID,
		Name:     res.Room.Name,
		IsPublic: res.Room.IsPublic,
		Members:  res.Members,
	})

	if res.Rejoined {
		return
	}

	h.fanout(res.Others, domain.EventUserConnected, domain.UserPayload{UserID: p.UserID})
	h.broadcastRooms(ctx)
}

func validateJoin(p domain.JoinPayload) error {
	if err := validation.ValidateRoomID(string(p.RoomID)); err != nil {
		return err
	}
	if err := validation.ValidateUserID(string(p.UserID)); err != nil {
		return err
	}
	if p.Config != nil {
		return validation.ValidateRoomName(p.Config.Name)
	}
	return nil
}

// handleLeave only honours a leave for the membership the socket holds.
func (h *Hub) handleLeave(ctx context.Context, c *Client, env domain.Envelope) {
	var p domain.LeavePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(c, "invalid leave payload")
			return
		}
	}

	member, err := h.rooms.Resolve(ctx, c.sessionID)
	if err != nil {
		h.metrics.RecordDropped(env.Type, dropNotInRoom)
		c.logger.Debugw("leave from socket without membership", "room_id", p.RoomID)
		return
	}
	if (p.RoomID != "" && p.RoomID != member.RoomID) || (p.UserID != "" && p.UserID != member.UserID) {
		h.metrics.RecordDropped(env.Type, dropNotInRoom)
		c.logger.Debugw("leave does not match socket membership",
			"room_id", p.RoomID,
			"user_id", p.UserID,
		)
		return
	}

	res, err := h.rooms.Leave(ctx, member.RoomID, member.UserID)
	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Warnw("leave failed", "room_id", member.RoomID, "error", err)
		return
	}
	if res.Removed {
		h.notifyLeft(res)
		h.broadcastRooms(ctx)
	}
}

func (h *Hub) disconnect(ctx context.Context, c *Client) {
	res, err := h.rooms.Disconnect(ctx, c.sessionID)
	if err != nil {
		c.logger.Warnw("failed to clean up disconnected socket", "error", err)
		return
	}
	if res.Removed {
		h.notifyLeft(res)
		h.broadcastRooms(ctx)
	}
	c.logger.Debugw("websocket unregistered", "removed", res.Removed)
}

func (h *Hub) notifyLeft(res *ports.LeaveResult) {
	if !res.Removed {
		return
	}
	h.fanout(res.Remaining, domain.EventUserDisconnected, domain.UserPayload{UserID: res.UserID})
}

// relayUnicast forwards offer, answer and ice-candidate to targetUserId
// inside the sender's room, stamping callerId with the sender's identity.
func (h *Hub) relayUnicast(ctx context.Context, c *Client, env domain.Envelope) {
	member, ok := h.senderOf(ctx, c, env.Type)
	if !ok {
		return
	}

	fields, ok := h.payloadObject(c, env)
	if !ok {
		return
	}

	var target domain.UserID
	if raw, found := fields["targetUserId"]; found {
		_ = json.Unmarshal(raw, &target)
	}

	recipient := h.memberSession(ctx, member.RoomID, target)
	if recipient == nil || target == member.UserID {
		h.metrics.RecordDropped(env.Type, dropUnknownTarget)
		c.logger.Debugw("dropping signal for unknown target",
			"type", env.Type,
			"room_id", member.RoomID,
			"target_user_id", target,
		)
		return
	}

	tracing.AddSpanAttributes(ctx,
		tracing.RoomIDKey.String(string(member.RoomID)),
		tracing.TargetIDKey.String(string(target)),
	)

	caller, _ := json.Marshal(member.UserID)
	fields["callerId"] = caller
	payload, _ := json.Marshal(fields)

	if h.deliver(recipient, domain.Envelope{Type: env.Type, Payload: payload}) {
		h.metrics.RecordRelayed(env.Type)
	}
}

// relayBroadcast fans ancillary events out to the rest of the room with a
// senderId added to the payload.
func (h *Hub) relayBroadcast(ctx context.Context, c *Client, env domain.Envelope) {
	member, ok := h.senderOf(ctx, c, env.Type)
	if !ok {
		return
	}

	members, err := h.rooms.Members(ctx, member.RoomID)
	if err != nil {
		h.metrics.RecordDropped(env.Type, dropNotInRoom)
		return
	}

	payload := withSender(env.Payload, member.UserID)
	data, err := json.Marshal(domain.Envelope{Type: env.Type, Payload: payload})
	if err != nil {
		return
	}

	recipients := 0
	for _, m := range members {
		if m.UserID == member.UserID {
			continue
		}
		if target, ok := h.sessions[m.SessionID]; ok && h.deliverRaw(target, env.Type, data) {
			recipients++
		}
	}

	tracing.AddSpanAttributes(ctx,
		tracing.RoomIDKey.String(string(member.RoomID)),
		tracing.RecipientsKey.Int(recipients),
	)
	if recipients > 0 {
		h.metrics.RecordRelayed(env.Type)
	}
}

// withSender adds senderId to an object payload. Anything else is wrapped
// as {senderId, data}.
func withSender(payload json.RawMessage, sender domain.UserID) json.RawMessage {
	senderJSON, _ := json.Marshal(sender)

	var fields map[string]json.RawMessage
	if len(payload) > 0 && json.Unmarshal(payload, &fields) == nil && fields != nil {
		fields["senderId"] = senderJSON
		out, _ := json.Marshal(fields)
		return out
	}

	wrapped := map[string]json.RawMessage{"senderId": senderJSON}
	if len(payload) > 0 {
		wrapped["data"] = payload
	}
	out, _ := json.Marshal(wrapped)
	return out
}

func (h *Hub) senderOf(ctx context.Context, c *Client, event domain.EventType) (domain.Member, bool) {
	member, err := h.rooms.Resolve(ctx, c.sessionID)
	if err != nil {
		h.metrics.RecordDropped(event, dropNotInRoom)
		c.logger.Debugw("dropping event from socket outside any room", "type", event)
		return domain.Member{}, false
	}
	return member, true
}

func (h *Hub) payloadObject(c *Client, env domain.Envelope) (map[string]json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil || fields == nil {
		h.metrics.RecordDropped(env.Type, dropMalformed)
		h.sendError(c, "invalid "+string(env.Type)+" payload")
		return nil, false
	}
	return fields, true
}

func (h *Hub) memberSession(ctx context.Context, roomID domain.RoomID, userID domain.UserID) *Client {
	if userID == "" {
		return nil
	}
	members, err := h.rooms.Members(ctx, roomID)
	if err != nil {
		return nil
	}
	for _, m := range members {
		if m.UserID == userID {
			return h.sessions[m.SessionID]
		}
	}
	return nil
}

func (h *Hub) handlePing(c *Client, env domain.Envelope) {
	var p domain.PingPayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &p)
	}
	h.send(c, domain.EventPong, p)
}

func (h *Hub) sendRooms(ctx context.Context, c *Client) {
	data, ok := h.roomsUpdate(ctx)
	if ok {
		h.deliverRaw(c, domain.EventRoomsUpdate, data)
	}
}

// broadcastRooms pushes the public directory to every socket.
func (h *Hub) broadcastRooms(ctx context.Context) {
	data, ok := h.roomsUpdate(ctx)
	if !ok {
		return
	}
	for _, c := range h.sessions {
		h.deliverRaw(c, domain.EventRoomsUpdate, data)
	}
}

func (h *Hub) roomsUpdate(ctx context.Context) ([]byte, bool) {
	rooms, err := h.rooms.PublicRooms(ctx)
	if err != nil {
		h.logger.Warnw("failed to list public rooms", "error", err)
		tracing.SetSpanStatus(ctx, codes.Error, err.Error())
		return nil, false
	}
	env, err := domain.NewEnvelope(domain.EventRoomsUpdate, rooms)
	if err != nil {
		return nil, false
	}
	data, err := json.Marshal(env)
	return data, err == nil
}

func (h *Hub) fanout(members []domain.Member, event domain.EventType, payload interface{}) {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	for _, m := range members {
		if c, ok := h.sessions[m.SessionID]; ok {
			h.deliverRaw(c, event, data)
		}
	}
}

func (h *Hub) send(c *Client, event domain.EventType, payload interface{}) {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Warnw("failed to encode envelope", "type", event, "error", err)
		return
	}
	h.deliver(c, env)
}

func (h *Hub) sendError(c *Client, message string) {
	h.send(c, domain.EventError, domain.ErrorPayload{Message: message})
}

func (h *Hub) deliver(c *Client, env domain.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	return h.deliverRaw(c, env.Type, data)
}

// deliverRaw never blocks the hub: a socket whose buffer is full is evicted.
func (h *Hub) deliverRaw(c *Client, event domain.EventType, data []byte) bool {
	if h.sessions[c.sessionID] != c {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		h.metrics.RecordDropped(event, dropSlowClient)
		c.logger.Warnw("send buffer full, closing websocket")
		h.drop(c)
		h.evicted = append(h.evicted, c)
		return false
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.sessions, c.sessionID)
	close(c.send)
	h.connectionsChanged()
}

func (h *Hub) flushEvicted(ctx context.Context) {
	for len(h.evicted) > 0 {
		c := h.evicted[0]
		h.evicted = h.evicted[1:]
		h.disconnect(ctx, c)
	}
}

func (h *Hub) connectionsChanged() {
	n := len(h.sessions)
	h.connections.Store(int64(n))
	h.metrics.SetConnections(n)
}

type noopRecorder struct{}

func (noopRecorder) RecordRelayed(domain.EventType)         {}
func (noopRecorder) RecordDropped(domain.EventType, string) {}
func (noopRecorder) SetConnections(int)                     {}
func (noopRecorder) SetRooms(domain.RelayMetrics)           {}
func (noopRecorder) ObserveDispatch(time.Duration)          {}
