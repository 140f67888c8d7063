package domain

import "encoding/json"

// EventType names a signaling envelope.
type EventType string

const (
	EventJoin             EventType = "join"
	EventLeave            EventType = "leave"
	EventRoomJoined       EventType = "room-joined"
	EventRoomFull         EventType = "room-full"
	EventUserConnected    EventType = "user-connected"
	EventUserDisconnected EventType = "user-disconnected"
	EventOffer            EventType = "offer"
	EventAnswer           EventType = "answer"
	EventICECandidate     EventType = "ice-candidate"
	EventGetRooms         EventType = "get-rooms"
	EventRoomsUpdate      EventType = "rooms-update"
	EventChatMessage      EventType = "chat-message"
	EventReaction         EventType = "reaction"
	EventCaption          EventType = "caption"
	EventWhiteboardDraw   EventType = "whiteboard-draw"
	EventWhiteboardClear  EventType = "whiteboard-clear"
	EventPing             EventType = "ping"
	EventPong             EventType = "pong"
	EventError            EventType = "error"
)

// IsBroadcast reports whether the relay fans the event out to the whole room.
func (t EventType) IsBroadcast() bool {
	switch t {
	case EventChatMessage, EventReaction, EventCaption, EventWhiteboardDraw, EventWhiteboardClear:
		return true
	}
	return false
}

// IsUnicast reports whether the relay delivers the event to a single
// member named by targetUserId.
func (t EventType) IsUnicast() bool {
	switch t {
	case EventOffer, EventAnswer, EventICECandidate:
		return true
	}
	return false
}

// Envelope is the frame exchanged over the signaling websocket.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(t EventType, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

type JoinPayload struct {
	RoomID RoomID      `json:"roomId"`
	UserID UserID      `json:"userId"`
	Config *RoomConfig `json:"config,omitempty"`
}

type LeavePayload struct {
	RoomID RoomID `json:"roomId"`
	UserID UserID `json:"userId"`
}

// RoomJoinedPayload is the membership snapshot sent to a joiner.
type RoomJoinedPayload struct {
	RoomID   RoomID   `json:"roomId"`
	Name     string   `json:"name"`
	IsPublic bool     `json:"isPublic"`
	Members  []UserID `json:"members"`
}

type RoomFullPayload struct {
	RoomID RoomID `json:"roomId"`
}

type UserPayload struct {
	UserID UserID `json:"userId"`
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalPayload is used for offer, answer and ice-candidate. Clients set
// TargetUserID, the relay sets CallerID.
type SignalPayload struct {
	TargetUserID  UserID              `json:"targetUserId,omitempty"`
	CallerID      UserID              `json:"callerId,omitempty"`
	UserName      string              `json:"userName,omitempty"`
	IsScreenShare bool                `json:"isScreenShare"`
	Description   *SessionDescription `json:"description,omitempty"`
	Candidate     *ICECandidate       `json:"candidate,omitempty"`
}

type PingPayload struct {
	ID int64 `json:"id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
