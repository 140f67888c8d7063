package mesh

import (
	"context"
	"slices"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/pkg/retry"
	"meshroom/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

type outbound struct {
	event   domain.EventType
	payload interface{}
}

// link is the state machine for one remote peer. Everything below mu is
// only touched with mu held. Signaling messages are collected while
// locked and sent after unlocking.
type link struct {
	remote domain.UserID
	role   domain.Role
	pc     PeerConnection
	meter  *frameMeter
	m      *Manager

	mu          sync.Mutex
	state       domain.PeerState
	remoteName  string
	screenShare bool
	pending     []webrtc.ICECandidateInit
	attempts    int
	timer       *time.Timer
	// dirty is set when the local video changed while an offer could not
	// be sent. The link renegotiates once it is connected again.
	dirty bool
	ssrcs []webrtc.SSRC
}

func newLink(m *Manager, remote domain.UserID, pc PeerConnection) *link {
	l := &link{
		remote: remote,
		role:   ResolveRole(m.cfg.LocalID, remote),
		pc:     pc,
		meter:  newFrameMeter(m.now()),
		m:      m,
		state:  domain.PeerStateIdle,
	}

	pc.OnICECandidate(l.onLocalCandidate)
	pc.OnConnectionStateChange(l.onConnectionState)
	pc.OnTrack(l.onTrack)

	return l
}

func (l *link) State() domain.PeerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// start sends the initial offer when this side holds the offerer role.
func (l *link) start() {
	if l.role != domain.RoleOfferer {
		return
	}

	l.mu.Lock()
	var out []outbound
	if l.state == domain.PeerStateIdle {
		l.state = domain.PeerStateNegotiating
		out = l.negotiateLocked(false)
	}
	l.mu.Unlock()

	l.m.emit(out)
}

// negotiateLocked creates and sends an offer. Failures move the link to
// the reconnect path.
func (l *link) negotiateLocked(iceRestart bool) []outbound {
	ctx, span := tracing.TracePeerOperation(context.Background(), "offer", string(l.remote))
	defer span.End()

	offer, err := l.pc.CreateOffer(iceRestart)
	if err == nil {
		err = l.pc.SetLocalDescription(offer)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		l.m.logger.Warnw("failed to create offer",
			"peer", l.remote,
			"ice_restart", iceRestart,
			"error", err,
		)
		l.failLocked()
		return nil
	}

	l.dirty = false
	if l.state == domain.PeerStateNegotiating {
		l.armNegotiationTimerLocked()
	}

	return []outbound{{
		event:   domain.EventOffer,
		payload: l.m.signalPayload(l.remote, &offer),
	}}
}

func (l *link) handleOffer(p domain.SignalPayload) {
	l.mu.Lock()
	out := l.handleOfferLocked(p)
	l.mu.Unlock()

	l.m.emit(out)
}

func (l *link) handleOfferLocked(p domain.SignalPayload) []outbound {
	if l.state == domain.PeerStateClosed || p.Description == nil {
		return nil
	}
	l.applyPeerInfoLocked(p)

	if l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if l.role == domain.RoleOfferer {
			l.m.logger.Debugw("ignoring colliding offer", "peer", l.remote)
			return nil
		}
		if err := l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			l.m.logger.Warnw("failed to roll back local offer", "peer", l.remote, "error", err)
			l.failLocked()
			return nil
		}
	}

	if err := l.pc.SetRemoteDescription(toWebRTC(p.Description)); err != nil {
		l.m.logger.Warnw("failed to apply offer", "peer", l.remote, "error", err)
		l.failLocked()
		return nil
	}
	l.flushCandidatesLocked()

	answer, err := l.pc.CreateAnswer()
	if err == nil {
		err = l.pc.SetLocalDescription(answer)
	}
	if err != nil {
		l.m.logger.Warnw("failed to create answer", "peer", l.remote, "error", err)
		l.failLocked()
		return nil
	}

	if l.state == domain.PeerStateIdle {
		l.state = domain.PeerStateNegotiating
		l.armNegotiationTimerLocked()
	}

	return []outbound{{
		event:   domain.EventAnswer,
		payload: l.m.signalPayload(l.remote, &answer),
	}}
}

func (l *link) handleAnswer(p domain.SignalPayload) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == domain.PeerStateClosed || p.Description == nil {
		return
	}
	if l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		l.m.logger.Debugw("ignoring unexpected answer",
			"peer", l.remote,
			"signaling_state", l.pc.SignalingState().String(),
		)
		return
	}
	l.applyPeerInfoLocked(p)

	if err := l.pc.SetRemoteDescription(toWebRTC(p.Description)); err != nil {
		l.m.logger.Warnw("failed to apply answer", "peer", l.remote, "error", err)
		l.failLocked()
		return
	}
	l.flushCandidatesLocked()
}

// handleCandidate applies a remote candidate, or queues it until the
// remote description is known.
func (l *link) handleCandidate(p domain.SignalPayload) {
	if p.Candidate == nil {
		return
	}
	candidate := webrtc.ICECandidateInit{
		Candidate:        p.Candidate.Candidate,
		SDPMid:           p.Candidate.SDPMid,
		SDPMLineIndex:    p.Candidate.SDPMLineIndex,
		UsernameFragment: p.Candidate.UsernameFragment,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == domain.PeerStateClosed {
		return
	}
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, candidate)
		return
	}
	if err := l.pc.AddICECandidate(candidate); err != nil {
		l.m.logger.Debugw("failed to add candidate", "peer", l.remote, "error", err)
	}
}

func (l *link) flushCandidatesLocked() {
	pending := l.pending
	l.pending = nil
	for _, candidate := range pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.m.logger.Debugw("failed to add queued candidate", "peer", l.remote, "error", err)
		}
	}
}

func (l *link) onLocalCandidate(candidate webrtc.ICECandidateInit) {
	l.m.emit([]outbound{{
		event: domain.EventICECandidate,
		payload: domain.SignalPayload{
			TargetUserID: l.remote,
			Candidate: &domain.ICECandidate{
				Candidate:        candidate.Candidate,
				SDPMid:           candidate.SDPMid,
				SDPMLineIndex:    candidate.SDPMLineIndex,
				UsernameFragment: candidate.UsernameFragment,
			},
		},
	}})
}

// replaceVideo swaps the outgoing video track and renegotiates once if
// the link is connected. Other links renegotiate when they connect.
func (l *link) replaceVideo(track webrtc.TrackLocal) {
	l.mu.Lock()
	var out []outbound
	if l.state != domain.PeerStateClosed {
		if err := l.pc.ReplaceVideoTrack(track); err != nil {
			l.m.logger.Warnw("failed to replace video track", "peer", l.remote, "error", err)
		}
		if l.state == domain.PeerStateConnected {
			out = l.negotiateLocked(false)
		} else {
			l.dirty = true
		}
	}
	l.mu.Unlock()

	l.m.emit(out)
}

func (l *link) onConnectionState(state webrtc.PeerConnectionState) {
	l.mu.Lock()

	if l.state == domain.PeerStateClosed {
		l.mu.Unlock()
		return
	}

	var out []outbound
	closed := false
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.attempts = 0
		l.state = domain.PeerStateConnected
		if l.dirty && l.pc.SignalingState() == webrtc.SignalingStateStable {
			out = l.negotiateLocked(false)
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if l.state != domain.PeerStateReconnecting {
			l.state = domain.PeerStateReconnecting
			out, closed = l.reconnectLocked()
		}
	case webrtc.PeerConnectionStateClosed:
		l.closeLocked()
		closed = true
	}
	current := l.state
	l.mu.Unlock()

	l.m.logger.Debugw("peer connection state changed",
		"peer", l.remote,
		"transport", state.String(),
		"state", current.String(),
	)
	l.m.emit(out)
	if closed {
		l.finish(true)
	}
}

// failLocked moves a link whose negotiation failed to the reconnect path.
func (l *link) failLocked() {
	if l.state == domain.PeerStateReconnecting || l.state == domain.PeerStateClosed {
		return
	}
	l.state = domain.PeerStateReconnecting
	l.armTimerLocked()
}

// reconnectLocked makes one reconnect attempt and arms the timer for the
// next one. The offerer restarts ICE; the answerer waits for that offer.
// It reports true when attempts are exhausted and the link was closed.
func (l *link) reconnectLocked() ([]outbound, bool) {
	if l.attempts >= l.m.cfg.ReconnectAttempts {
		l.m.logger.Infow("reconnect attempts exhausted", "peer", l.remote, "attempts", l.attempts)
		l.closeLocked()
		return nil, true
	}
	l.attempts++

	var out []outbound
	if l.role == domain.RoleOfferer {
		// An offer that was never answered is withdrawn first.
		if l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			if err := l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
				l.m.logger.Debugw("failed to roll back unanswered offer", "peer", l.remote, "error", err)
			}
		}
		if l.pc.SignalingState() == webrtc.SignalingStateStable {
			offer, err := l.pc.CreateOffer(true)
			if err == nil {
				err = l.pc.SetLocalDescription(offer)
			}
			if err != nil {
				l.m.logger.Warnw("failed to create ice restart offer", "peer", l.remote, "error", err)
			} else {
				l.dirty = false
				out = append(out, outbound{event: domain.EventOffer, payload: l.m.signalPayload(l.remote, &offer)})
			}
		}
	}

	l.armTimerLocked()
	return out, false
}

func (l *link) armTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
	}
	step := l.attempts - 1
	if step < 0 {
		step = 0
	}
	delay := retry.Backoff(l.m.cfg.Backoff, step)
	l.timer = time.AfterFunc(delay, l.onReconnectTimer)
}

// armNegotiationTimerLocked bounds the time a link may spend NEGOTIATING.
func (l *link) armNegotiationTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.m.cfg.NegotiationTimeout, l.onNegotiationTimer)
}

// onNegotiationTimer sends a link whose negotiation never completed down
// the reconnect path.
func (l *link) onNegotiationTimer() {
	l.mu.Lock()
	if l.state != domain.PeerStateNegotiating {
		l.mu.Unlock()
		return
	}
	l.m.logger.Infow("negotiation timed out",
		"peer", l.remote,
		"signaling_state", l.pc.SignalingState().String(),
	)
	l.state = domain.PeerStateReconnecting
	out, closed := l.reconnectLocked()
	l.mu.Unlock()

	l.m.emit(out)
	if closed {
		l.finish(true)
	}
}

func (l *link) onReconnectTimer() {
	l.mu.Lock()
	if l.state != domain.PeerStateReconnecting {
		l.mu.Unlock()
		return
	}
	out, closed := l.reconnectLocked()
	l.mu.Unlock()

	l.m.emit(out)
	if closed {
		l.finish(true)
	}
}

func (l *link) closeLocked() {
	l.state = domain.PeerStateClosed
	l.pending = nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// replaceable reports whether a fresh membership notice should replace
// this link. Links that are negotiating or connected are kept, and so are
// idle links holding queued candidates.
func (l *link) replaceable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case domain.PeerStateClosed, domain.PeerStateReconnecting:
		return true
	case domain.PeerStateIdle:
		return l.pc.RemoteDescription() == nil && len(l.pending) == 0
	}
	return false
}

// close shuts the link down. It reports false if it was already closed.
func (l *link) close() bool {
	l.mu.Lock()
	if l.state == domain.PeerStateClosed {
		l.mu.Unlock()
		return false
	}
	l.closeLocked()
	l.mu.Unlock()
	return true
}

// finish releases the transport and notifies the manager. Called once per
// link after it reached CLOSED, never with mu held.
func (l *link) finish(tombstone bool) {
	if err := l.pc.Close(); err != nil {
		l.m.logger.Debugw("failed to close peer connection", "peer", l.remote, "error", err)
	}
	l.m.linkClosed(l, tombstone)
}

func (l *link) onTrack(track RemoteTrack) {
	l.m.logger.Infow("remote track",
		"peer", l.remote,
		"kind", track.Kind().String(),
		"track_id", track.ID(),
	)
	l.m.sink.OnRemoteTrack(l.remote, track)

	l.mu.Lock()
	if !slices.Contains(l.ssrcs, track.SSRC()) {
		l.ssrcs = append(l.ssrcs, track.SSRC())
	}
	l.mu.Unlock()

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		err := l.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			l.m.logger.Debugw("failed to request key frame", "peer", l.remote, "error", err)
		}
	}

	go l.readTrack(track)
}

func (l *link) readTrack(track RemoteTrack) {
	buf := l.m.pool.Get()
	defer l.m.pool.Put(buf)

	kind := track.Kind()
	for {
		pkt, err := track.ReadRTP(buf)
		if err != nil {
			return
		}
		if kind == webrtc.RTPCodecTypeVideo {
			l.meter.Observe(pkt)
		}
		l.m.sink.OnRemotePacket(l.remote, kind, pkt)
	}
}

func (l *link) remoteSSRCs() []webrtc.SSRC {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ssrcs)
}

func (l *link) applyPeerInfoLocked(p domain.SignalPayload) {
	if p.UserName != "" {
		l.remoteName = p.UserName
	}
	l.screenShare = p.IsScreenShare
}

func (l *link) info() PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return PeerInfo{
		UserID:      l.remote,
		Name:        l.remoteName,
		Role:        l.role,
		State:       l.state,
		ScreenShare: l.screenShare,
	}
}

func toWebRTC(desc *domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
}
