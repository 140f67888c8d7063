package mesh

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/pkg/retry"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePC models the signaling state machine of a peer connection.
type fakePC struct {
	mu sync.Mutex

	state       webrtc.SignalingState
	remote      *webrtc.SessionDescription
	offers      int
	iceRestarts int
	candidates  []string
	replaced    int
	closed      bool
	stats       webrtc.StatsReport
	inbound     map[webrtc.SSRC]InboundStats
	panicStats  bool

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(RemoteTrack)
}

func newFakePC() *fakePC {
	return &fakePC{state: webrtc.SignalingStateStable}
}

func (f *fakePC) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	if iceRestart {
		f.iceRestarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", f.offers)}, nil
}

func (f *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case desc.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveRemoteOffer:
		f.state = webrtc.SignalingStateStable
	case desc.Type == webrtc.SDPTypeRollback && f.state == webrtc.SignalingStateHaveLocalOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("invalid local %s in %s", desc.Type, f.state)
	}
	return nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case desc.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveLocalOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("invalid remote %s in %s", desc.Type, f.state)
	}
	f.remote = &desc
	return nil
}

func (f *fakePC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, candidate.Candidate)
	return nil
}

func (f *fakePC) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePC) ReplaceVideoTrack(webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced++
	return nil
}

func (f *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.onCandidate = fn
}

func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onState = fn
}

func (f *fakePC) OnTrack(fn func(RemoteTrack)) {
	f.onTrack = fn
}

func (f *fakePC) GetStats() webrtc.StatsReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicStats {
		panic("stats unavailable")
	}
	return f.stats
}

func (f *fakePC) InboundStats(ssrc webrtc.SSRC) (InboundStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.inbound[ssrc]
	return in, ok
}

func (f *fakePC) WriteRTCP([]rtcp.Packet) error { return nil }

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePC) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.candidates...)
}

func (f *fakePC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePC) setStats(report webrtc.StatsReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = report
}

func (f *fakePC) setInbound(ssrc webrtc.SSRC, in InboundStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbound == nil {
		f.inbound = make(map[webrtc.SSRC]InboundStats)
	}
	f.inbound[ssrc] = in
}

type sent struct {
	event   domain.EventType
	payload interface{}
}

type fakeSignaler struct {
	mu     sync.Mutex
	sent   []sent
	onSend func(domain.EventType)
}

func (s *fakeSignaler) Send(event domain.EventType, payload interface{}) error {
	if s.onSend != nil {
		s.onSend(event)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{event: event, payload: payload})
	return nil
}

func (s *fakeSignaler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func (s *fakeSignaler) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

// signals returns the offer, answer or candidate payloads of one type.
func (s *fakeSignaler) signals(event domain.EventType) []domain.SignalPayload {
	var out []domain.SignalPayload
	for _, msg := range s.all() {
		if msg.event == event {
			out = append(out, msg.payload.(domain.SignalPayload))
		}
	}
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	tracks []domain.UserID
	closed []domain.UserID
}

func (s *fakeSink) OnRemoteTrack(peer domain.UserID, _ RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, peer)
}

func (s *fakeSink) OnRemotePacket(domain.UserID, webrtc.RTPCodecType, *rtp.Packet) {}

func (s *fakeSink) OnPeerClosed(peer domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, peer)
}

func (s *fakeSink) closedPeers() []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.UserID(nil), s.closed...)
}

type fixture struct {
	m      *Manager
	signal *fakeSignaler
	sink   *fakeSink
}

func newFixture(t *testing.T, local domain.UserID, tweak ...func(*Config)) *fixture {
	t.Helper()

	cfg := Config{
		LocalID:           local,
		DisplayName:       "name-" + string(local),
		ReconnectAttempts: 2,
		Backoff: retry.Config{
			InitialDelay: time.Minute,
			Multiplier:   2,
		},
		TombstoneTTL:       time.Minute,
		NegotiationTimeout: time.Minute,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}

	f := &fixture{signal: &fakeSignaler{}, sink: &fakeSink{}}
	factory := func(LocalTracks) (PeerConnection, error) { return newFakePC(), nil }
	// Timer callbacks may log after the test returns.
	f.m = NewManager(cfg, factory, f.signal, f.sink, zap.NewNop().Sugar())
	t.Cleanup(f.m.Close)
	return f
}

func (f *fixture) deliver(t *testing.T, event domain.EventType, payload interface{}) {
	t.Helper()
	env, err := domain.NewEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, f.m.HandleEnvelope(env))
}

func (f *fixture) joined(t *testing.T, members ...domain.UserID) {
	t.Helper()
	f.deliver(t, domain.EventRoomJoined, domain.RoomJoinedPayload{RoomID: "x8k29a", Members: members})
}

func (f *fixture) offerFrom(t *testing.T, peer domain.UserID, screenShare bool) {
	t.Helper()
	f.deliver(t, domain.EventOffer, domain.SignalPayload{
		CallerID:      peer,
		UserName:      "name-" + string(peer),
		IsScreenShare: screenShare,
		Description:   &domain.SessionDescription{Type: "offer", SDP: "remote-offer"},
	})
}

func (f *fixture) answerFrom(t *testing.T, peer domain.UserID) {
	t.Helper()
	f.deliver(t, domain.EventAnswer, domain.SignalPayload{
		CallerID:    peer,
		UserName:    "name-" + string(peer),
		Description: &domain.SessionDescription{Type: "answer", SDP: "remote-answer"},
	})
}

func (f *fixture) candidateFrom(t *testing.T, peer domain.UserID, candidate string) {
	t.Helper()
	f.deliver(t, domain.EventICECandidate, domain.SignalPayload{
		CallerID:  peer,
		Candidate: &domain.ICECandidate{Candidate: candidate},
	})
}

func (f *fixture) link(t *testing.T, peer domain.UserID) *link {
	t.Helper()
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	l, ok := f.m.links[peer]
	require.True(t, ok, "no link to %s", peer)
	return l
}

func (f *fixture) pc(t *testing.T, peer domain.UserID) *fakePC {
	t.Helper()
	return f.link(t, peer).pc.(*fakePC)
}

func (f *fixture) hasLink(peer domain.UserID) bool {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	_, ok := f.m.links[peer]
	return ok
}

// receive delivers one remote track from peer and waits until it is drained.
func (f *fixture) receive(t *testing.T, peer domain.UserID, kind webrtc.RTPCodecType, ssrc webrtc.SSRC) {
	t.Helper()
	track := &fakeTrack{kind: kind, ssrc: ssrc, done: make(chan struct{})}
	f.pc(t, peer).onTrack(track)
	<-track.done
}

// connect drives an offerer-side link to CONNECTED.
func (f *fixture) connect(t *testing.T, peer domain.UserID) {
	t.Helper()
	f.answerFrom(t, peer)
	f.pc(t, peer).onState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, domain.PeerStateConnected, f.link(t, peer).State())
}

// fakeTrack yields one VP8 key frame, then EOF.
type fakeTrack struct {
	kind webrtc.RTPCodecType
	ssrc webrtc.SSRC
	read bool
	done chan struct{}
}

func (t *fakeTrack) ID() string                { return t.kind.String() }
func (t *fakeTrack) StreamID() string          { return "stream" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) SSRC() webrtc.SSRC {
	if t.ssrc == 0 {
		return 1234
	}
	return t.ssrc
}

func (t *fakeTrack) ReadRTP(buf []byte) (*rtp.Packet, error) {
	if t.read {
		close(t.done)
		return nil, io.EOF
	}
	t.read = true
	n := copy(buf, vp8Keyframe(320, 240))
	return &rtp.Packet{Header: rtp.Header{Marker: true}, Payload: buf[:n]}, nil
}
