package mesh

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/pkg/cache"
	"meshroom/pkg/config"
	"meshroom/pkg/optimize"
	"meshroom/pkg/retry"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	rtpBufferSize             = 1500
	defaultTombstoneTTL       = 30 * time.Second
	defaultNegotiationTimeout = 15 * time.Second
)

// Signaler sends envelopes to the relay.
type Signaler interface {
	Send(event domain.EventType, payload interface{}) error
}

// MediaSink receives remote media. OnRemotePacket must not retain pkt, its
// payload is reused for the next read.
type MediaSink interface {
	OnRemoteTrack(peer domain.UserID, track RemoteTrack)
	OnRemotePacket(peer domain.UserID, kind webrtc.RTPCodecType, pkt *rtp.Packet)
	OnPeerClosed(peer domain.UserID)
}

type Config struct {
	LocalID           domain.UserID
	DisplayName       string
	ReconnectAttempts int
	Backoff           retry.Config
	TombstoneTTL      time.Duration
	// NegotiationTimeout bounds how long a link may stay NEGOTIATING
	// before it is treated as failed.
	NegotiationTimeout time.Duration
}

func ConfigFromConfig(cfg *config.Config, localID domain.UserID, displayName string) Config {
	return Config{
		LocalID:           localID,
		DisplayName:       displayName,
		ReconnectAttempts: cfg.Mesh.ReconnectAttempts,
		Backoff: retry.Config{
			InitialDelay: cfg.Mesh.ReconnectDelay,
			MaxDelay:     cfg.Mesh.ReconnectMaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		TombstoneTTL:       cfg.Mesh.TombstoneTTL,
		NegotiationTimeout: cfg.Mesh.NegotiationTimeout,
	}
}

// PeerInfo describes one link for display.
type PeerInfo struct {
	UserID      domain.UserID
	Name        string
	Role        domain.Role
	State       domain.PeerState
	ScreenShare bool
}

// Manager owns one link per remote room member and routes signaling
// envelopes to them. A link lock and the manager lock are never held at
// the same time.
type Manager struct {
	cfg     Config
	factory ConnFactory
	signal  Signaler
	sink    MediaSink
	logger  *zap.SugaredLogger

	pool        *optimize.BytePool
	tombstones  *cache.Cache[domain.UserID, struct{}]
	screenShare atomic.Bool
	now         func() time.Time

	mu     sync.Mutex
	links  map[domain.UserID]*link
	roomID domain.RoomID
	tracks LocalTracks
}

func NewManager(cfg Config, factory ConnFactory, signal Signaler, sink MediaSink, logger *zap.SugaredLogger) *Manager {
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = defaultTombstoneTTL
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	tombstones := cache.NewCache[domain.UserID, struct{}](cfg.TombstoneTTL)
	tombstones.StartCleanup(cfg.TombstoneTTL)

	return &Manager{
		cfg:        cfg,
		factory:    factory,
		signal:     signal,
		sink:       sink,
		logger:     logger,
		pool:       optimize.NewBytePool(rtpBufferSize),
		tombstones: tombstones,
		now:        time.Now,
		links:      make(map[domain.UserID]*link),
	}
}

// SetLocalTracks sets the media new links will send.
func (m *Manager) SetLocalTracks(tracks LocalTracks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = tracks
}

func (m *Manager) RoomID() domain.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// HandleEnvelope applies one relay message.
func (m *Manager) HandleEnvelope(env domain.Envelope) error {
	switch env.Type {
	case domain.EventRoomJoined:
		var p domain.RoomJoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
		m.handleRoomJoined(p)

	case domain.EventUserConnected, domain.EventUserDisconnected:
		var p domain.UserPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
		if env.Type == domain.EventUserConnected {
			m.handleUserConnected(p.UserID)
		} else {
			m.handleUserDisconnected(p.UserID)
		}

	case domain.EventOffer, domain.EventAnswer, domain.EventICECandidate:
		var p domain.SignalPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
		m.handleSignal(env.Type, p)
	}
	return nil
}

func (m *Manager) handleRoomJoined(p domain.RoomJoinedPayload) {
	m.mu.Lock()
	m.roomID = p.RoomID
	m.mu.Unlock()

	m.logger.Infow("joined room",
		"room_id", p.RoomID,
		"members", len(p.Members),
	)

	for _, member := range p.Members {
		if member == m.cfg.LocalID {
			continue
		}
		// Members listed in the snapshot are present now, whatever we
		// saw before joining.
		m.tombstones.Delete(member)
		if l := m.ensureLink(member); l != nil {
			l.start()
		}
	}
}

func (m *Manager) handleUserConnected(peer domain.UserID) {
	if peer == m.cfg.LocalID {
		return
	}
	m.tombstones.Delete(peer)

	// A link an early offer already created is kept. Only links that
	// cannot carry the new session are replaced.
	m.mu.Lock()
	stale := m.links[peer]
	m.mu.Unlock()

	if stale != nil && stale.replaceable() {
		m.mu.Lock()
		if m.links[peer] == stale {
			delete(m.links, peer)
		}
		m.mu.Unlock()

		if stale.close() {
			stale.finish(false)
		}
	}

	if l := m.ensureLink(peer); l != nil {
		l.start()
	}
}

func (m *Manager) handleUserDisconnected(peer domain.UserID) {
	m.mu.Lock()
	l := m.links[peer]
	m.mu.Unlock()

	m.tombstones.Set(peer, struct{}{})
	if l != nil && l.close() {
		l.finish(true)
	}
}

func (m *Manager) handleSignal(event domain.EventType, p domain.SignalPayload) {
	peer := p.CallerID
	if peer == "" || peer == m.cfg.LocalID {
		return
	}
	if m.tombstones.Has(peer) {
		m.logger.Debugw("dropping message for closed peer", "peer", peer, "type", event)
		return
	}

	l := m.ensureLink(peer)
	if l == nil {
		return
	}

	switch event {
	case domain.EventOffer:
		l.handleOffer(p)
	case domain.EventAnswer:
		l.handleAnswer(p)
	case domain.EventICECandidate:
		l.handleCandidate(p)
	}
}

// ensureLink returns the link for peer, creating it on first sight. It
// returns nil outside a room or if the peer connection cannot be opened.
func (m *Manager) ensureLink(peer domain.UserID) *link {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.roomID == "" {
		return nil
	}
	if l, ok := m.links[peer]; ok {
		return l
	}

	pc, err := m.factory(m.tracks)
	if err != nil {
		m.logger.Errorw("failed to open peer connection", "peer", peer, "error", err)
		return nil
	}

	l := newLink(m, peer, pc)
	m.links[peer] = l

	m.logger.Debugw("link created", "peer", peer, "role", l.role)
	return l
}

func (m *Manager) linkClosed(l *link, tombstone bool) {
	m.mu.Lock()
	if m.links[l.remote] == l {
		delete(m.links, l.remote)
	}
	m.mu.Unlock()

	if tombstone {
		m.tombstones.Set(l.remote, struct{}{})
	}
	m.sink.OnPeerClosed(l.remote)

	m.logger.Infow("link closed", "peer", l.remote, "tombstoned", tombstone)
}

// ReplaceVideoTrack swaps the outgoing video on every link and runs one
// renegotiation per connected link. screenShare rides along in the offer.
func (m *Manager) ReplaceVideoTrack(track webrtc.TrackLocal, screenShare bool) {
	m.mu.Lock()
	m.tracks.Video = track
	links := m.snapshotLocked()
	m.mu.Unlock()

	m.screenShare.Store(screenShare)
	for _, l := range links {
		l.replaceVideo(track)
	}
}

func (m *Manager) ScreenSharing() bool {
	return m.screenShare.Load()
}

// Leave closes every link, then tells the relay.
func (m *Manager) Leave() error {
	m.mu.Lock()
	links := m.snapshotLocked()
	roomID := m.roomID
	m.roomID = ""
	m.mu.Unlock()

	m.tombstones.Clear()
	for _, l := range links {
		if l.close() {
			l.finish(false)
		}
	}

	if roomID == "" {
		return nil
	}
	return m.signal.Send(domain.EventLeave, domain.LeavePayload{RoomID: roomID, UserID: m.cfg.LocalID})
}

// Close stops background work. Call after Leave.
func (m *Manager) Close() {
	m.tombstones.Stop()
}

// Peers lists links ordered by user id.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	links := m.snapshotLocked()
	m.mu.Unlock()

	peers := make([]PeerInfo, 0, len(links))
	for _, l := range links {
		peers = append(peers, l.info())
	}
	return peers
}

func (m *Manager) snapshotLocked() []*link {
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].remote < links[j].remote })
	return links
}

func (m *Manager) connected() []*link {
	m.mu.Lock()
	links := m.snapshotLocked()
	m.mu.Unlock()

	out := links[:0]
	for _, l := range links {
		if l.State() == domain.PeerStateConnected {
			out = append(out, l)
		}
	}
	return out
}

func (m *Manager) signalPayload(target domain.UserID, desc *webrtc.SessionDescription) domain.SignalPayload {
	return domain.SignalPayload{
		TargetUserID:  target,
		UserName:      m.cfg.DisplayName,
		IsScreenShare: m.screenShare.Load(),
		Description: &domain.SessionDescription{
			Type: desc.Type.String(),
			SDP:  desc.SDP,
		},
	}
}

func (m *Manager) emit(out []outbound) {
	for _, msg := range out {
		if err := m.signal.Send(msg.event, msg.payload); err != nil {
			m.logger.Warnw("failed to send signaling message", "type", msg.event, "error", err)
		}
	}
}
