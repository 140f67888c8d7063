package domain

import "time"

type PeerState int

const (
	PeerStateIdle PeerState = iota
	PeerStateNegotiating
	PeerStateConnected
	PeerStateReconnecting
	PeerStateClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerStateIdle:
		return "idle"
	case PeerStateNegotiating:
		return "negotiating"
	case PeerStateConnected:
		return "connected"
	case PeerStateReconnecting:
		return "reconnecting"
	case PeerStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role decides which side of a link sends the initial offer.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// ConnectionStats is the latest quality sample for one remote peer.
type ConnectionStats struct {
	RTT                  float64   `json:"rtt"`    // ms
	Jitter               float64   `json:"jitter"` // ms
	PacketLossPercentage float64   `json:"packetLossPercentage"`
	PacketsLost          int64     `json:"packetsLost"`
	Resolution           string    `json:"resolution,omitempty"`
	FrameRate            float64   `json:"frameRate,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// Quality is a coarse grade of a ConnectionStats sample.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
	QualityUnknown Quality = "unknown"
)
