package mesh

import (
	"fmt"
	"sync"

	"meshroom/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the part of a WebRTC peer connection a link drives.
type PeerConnection interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	RemoteDescription() *webrtc.SessionDescription
	ReplaceVideoTrack(track webrtc.TrackLocal) error

	// OnICECandidate is not called for the end-of-gathering marker.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(RemoteTrack))

	GetStats() webrtc.StatsReport
	// InboundStats reports receive counters for one remote stream. It
	// reports false until a packet with that SSRC has arrived.
	InboundStats(ssrc webrtc.SSRC) (InboundStats, bool)
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	// ReadRTP decodes the next packet into buf. The packet payload
	// aliases buf.
	ReadRTP(buf []byte) (*rtp.Packet, error)
}

// InboundStats are cumulative receive counters of one remote stream.
type InboundStats struct {
	PacketsReceived uint64
	PacketsLost     int64
	Jitter          float64 // seconds
}

// LocalTracks is the outgoing media shared read-only by every link.
type LocalTracks struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

// ConnFactory opens a peer connection that sends tracks.
type ConnFactory func(tracks LocalTracks) (PeerConnection, error)

// NewPionFactory returns a ConnFactory backed by pion. ICE servers and the
// UDP port range come from the webrtc section of cfg.
func NewPionFactory(cfg *config.Config) (ConnFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	// The stats interceptor hands out one Getter per peer connection from
	// inside NewPeerConnection, so connections are created one at a time.
	statsFactory, err := stats.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create stats interceptor: %w", err)
	}
	var (
		createMu sync.Mutex
		getter   stats.Getter
	)
	statsFactory.OnNewPeerConnection(func(_ string, g stats.Getter) {
		getter = g
	})
	registry.Add(statsFactory)

	se := webrtc.SettingEngine{}
	if cfg.WebRTC.PortRange.Min > 0 && cfg.WebRTC.PortRange.Max >= cfg.WebRTC.PortRange.Min {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTC.PortRange.Min, cfg.WebRTC.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return func(tracks LocalTracks) (PeerConnection, error) {
		createMu.Lock()
		getter = nil
		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers:   iceServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
		})
		connStats := getter
		createMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}

		conn := &pionConn{pc: pc, stats: connStats, clockRates: make(map[webrtc.SSRC]uint32)}
		if tracks.Audio != nil {
			if _, err := pc.AddTrack(tracks.Audio); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add audio track: %w", err)
			}
		}
		if tracks.Video != nil {
			sender, err := pc.AddTrack(tracks.Video)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add video track: %w", err)
			}
			conn.video = sender
			go drainRTCP(sender)
		}
		return conn, nil
	}, nil
}

// drainRTCP keeps the sender's interceptors running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type pionConn struct {
	pc    *webrtc.PeerConnection
	video *webrtc.RTPSender
	stats stats.Getter

	mu         sync.Mutex
	clockRates map[webrtc.SSRC]uint32
}

func (c *pionConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return c.pc.CreateOffer(opts)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionConn) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	if c.video == nil {
		return fmt.Errorf("no video sender")
	}
	return c.video.ReplaceTrack(track)
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		c.clockRates[track.SSRC()] = track.Codec().ClockRate
		c.mu.Unlock()

		fn(&pionTrack{track: track})
	})
}

func (c *pionConn) GetStats() webrtc.StatsReport {
	return c.pc.GetStats()
}

func (c *pionConn) InboundStats(ssrc webrtc.SSRC) (InboundStats, bool) {
	if c.stats == nil {
		return InboundStats{}, false
	}
	s := c.stats.Get(uint32(ssrc))
	if s == nil {
		return InboundStats{}, false
	}

	in := InboundStats{
		PacketsReceived: s.InboundRTPStreamStats.PacketsReceived,
		PacketsLost:     s.InboundRTPStreamStats.PacketsLost,
	}
	// The interceptor keeps jitter in RTP timestamp units.
	c.mu.Lock()
	rate := c.clockRates[ssrc]
	c.mu.Unlock()
	if rate > 0 {
		in.Jitter = s.InboundRTPStreamStats.Jitter / float64(rate)
	}
	return in, true
}

func (c *pionConn) WriteRTCP(pkts []rtcp.Packet) error {
	return c.pc.WriteRTCP(pkts)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

type pionTrack struct {
	track *webrtc.TrackRemote
}

func (t *pionTrack) ID() string                { return t.track.ID() }
func (t *pionTrack) StreamID() string          { return t.track.StreamID() }
func (t *pionTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *pionTrack) SSRC() webrtc.SSRC         { return t.track.SSRC() }

func (t *pionTrack) ReadRTP(buf []byte) (*rtp.Packet, error) {
	n, _, err := t.track.Read(buf)
	if err != nil {
		return nil, err
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		return nil, err
	}
	return pkt, nil
}
