package mesh

import (
	"testing"
	"time"

	"meshroom/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRole(t *testing.T) {
	ids := []domain.UserID{"a1b2c3", "alice", "bob", "zz9", "0abc"}

	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			ra, rb := ResolveRole(a, b), ResolveRole(b, a)
			assert.NotEqual(t, ra, rb, "%s/%s", a, b)
			assert.Equal(t, ra, ResolveRole(a, b))
		}
	}

	assert.Equal(t, domain.RoleOfferer, ResolveRole("alice", "bob"))
	assert.Equal(t, domain.RoleAnswerer, ResolveRole("bob", "alice"))
}

func TestManager_RoomJoinedOffersOnlyToLargerIDs(t *testing.T) {
	f := newFixture(t, "bob")
	f.joined(t, "alice", "bob", "carol")

	offers := f.signal.signals(domain.EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.UserID("carol"), offers[0].TargetUserID)
	assert.Equal(t, "name-bob", offers[0].UserName)
	assert.False(t, offers[0].IsScreenShare)
	require.NotNil(t, offers[0].Description)
	assert.Equal(t, "offer", offers[0].Description.Type)

	assert.Equal(t, domain.PeerStateIdle, f.link(t, "alice").State())
	assert.Equal(t, domain.PeerStateNegotiating, f.link(t, "carol").State())
	assert.Equal(t, domain.RoomID("x8k29a"), f.m.RoomID())
}

func TestManager_EarlyCandidatesAreQueuedInOrder(t *testing.T) {
	f := newFixture(t, "bob")
	f.joined(t, "bob")

	// First sight of abe is a candidate.
	f.candidateFrom(t, "abe", "c1")
	f.candidateFrom(t, "abe", "c2")
	f.candidateFrom(t, "abe", "c3")

	pc := f.pc(t, "abe")
	assert.Empty(t, pc.appliedCandidates())

	f.offerFrom(t, "abe", false)
	assert.Equal(t, []string{"c1", "c2", "c3"}, pc.appliedCandidates())

	answers := f.signal.signals(domain.EventAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.UserID("abe"), answers[0].TargetUserID)
	assert.Equal(t, "answer", answers[0].Description.Type)

	f.candidateFrom(t, "abe", "c4")
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, pc.appliedCandidates())

	peers := f.m.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "name-abe", peers[0].Name)
	assert.Equal(t, domain.RoleAnswerer, peers[0].Role)
}

func TestManager_LocalCandidatesCarryTarget(t *testing.T) {
	f := newFixture(t, "alice")
	f.joined(t, "alice", "bob")

	mid := "0"
	f.pc(t, "bob").onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid})

	candidates := f.signal.signals(domain.EventICECandidate)
	require.Len(t, candidates, 1)
	assert.Equal(t, domain.UserID("bob"), candidates[0].TargetUserID)
	require.NotNil(t, candidates[0].Candidate)
	assert.Equal(t, "0", *candidates[0].Candidate.SDPMid)
}

func TestManager_ScreenShareRenegotiatesConnectedLinksOnce(t *testing.T) {
	f := newFixture(t, "alice")
	f.joined(t, "alice", "bob", "carol", "dave")
	require.Len(t, f.signal.signals(domain.EventOffer), 3)

	f.connect(t, "bob")
	f.connect(t, "carol")
	f.signal.reset()

	screen, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "alice")
	require.NoError(t, err)
	f.m.ReplaceVideoTrack(screen, true)
	assert.True(t, f.m.ScreenSharing())

	offers := f.signal.signals(domain.EventOffer)
	require.Len(t, offers, 2)
	assert.Equal(t, domain.UserID("bob"), offers[0].TargetUserID)
	assert.Equal(t, domain.UserID("carol"), offers[1].TargetUserID)
	for _, offer := range offers {
		assert.True(t, offer.IsScreenShare)
	}

	for _, peer := range []domain.UserID{"bob", "carol", "dave"} {
		assert.Equal(t, 1, f.pc(t, peer).replaced, peer)
	}
	assert.Equal(t, domain.PeerStateConnected, f.link(t, "bob").State())
	assert.Equal(t, domain.PeerStateConnected, f.link(t, "carol").State())
	assert.Equal(t, domain.PeerStateNegotiating, f.link(t, "dave").State())

	f.answerFrom(t, "bob")
	assert.Equal(t, webrtc.SignalingStateStable, f.pc(t, "bob").SignalingState())
}

func TestManager_ScreenShareWhileNegotiatingRenegotiatesOnConnect(t *testing.T) {
	f := newFixture(t, "alice")
	f.joined(t, "alice", "bob")
	f.signal.reset()

	f.m.ReplaceVideoTrack(nil, true)
	assert.Equal(t, 1, f.pc(t, "bob").replaced)
	assert.Empty(t, f.signal.signals(domain.EventOffer))

	f.connect(t, "bob")

	offers := f.signal.signals(domain.EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.UserID("bob"), offers[0].TargetUserID)
	assert.True(t, offers[0].IsScreenShare)
	assert.Equal(t, domain.PeerStateConnected, f.link(t, "bob").State())

	// The pending change is sent once.
	f.answerFrom(t, "bob")
	f.pc(t, "bob").onState(webrtc.PeerConnectionStateConnected)
	assert.Len(t, f.signal.signals(domain.EventOffer), 1)
}

func TestManager_RemoteRenegotiationKeepsLinkConnected(t *testing.T) {
	f := newFixture(t, "bob")
	f.joined(t, "alice", "bob")
	f.offerFrom(t, "alice", false)
	f.pc(t, "alice").onState(webrtc.PeerConnectionStateConnected)
	require.False(t, f.link(t, "alice").info().ScreenShare)
	f.signal.reset()

	f.offerFrom(t, "alice", true)

	answers := f.signal.signals(domain.EventAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.UserID("alice"), answers[0].TargetUserID)

	info := f.link(t, "alice").info()
	assert.Equal(t, domain.PeerStateConnected, info.State)
	assert.True(t, info.ScreenShare)
	assert.Equal(t, "name-alice", info.Name)
	assert.Equal(t, webrtc.SignalingStateStable, f.pc(t, "alice").SignalingState())
}

func TestManager_RejoinAcceptsPreviouslyClosedPeers(t *testing.T) {
	f := newFixture(t, "bob")
	f.joined(t, "abe", "alice", "bob")
	f.deliver(t, domain.EventUserDisconnected, domain.UserPayload{UserID: "alice"})
	f.deliver(t, domain.EventUserDisconnected, domain.UserPayload{UserID: "abe"})
	require.NoError(t, f.m.Leave())
	f.signal.reset()

	// alice is in the new snapshot, abe reaches us before any notice.
	f.joined(t, "alice", "bob")
	f.offerFrom(t, "alice", false)
	f.offerFrom(t, "abe", false)

	answers := f.signal.signals(domain.EventAnswer)
	require.Len(t, answers, 2)
	assert.Equal(t, domain.UserID("alice"), answers[0].TargetUserID)
	assert.Equal(t, domain.UserID("abe"), answers[1].TargetUserID)
	assert.Equal(t, domain.PeerStateNegotiating, f.link(t, "alice").State())
	assert.Equal(t, domain.PeerStateNegotiating, f.link(t, "abe").State())
}

func TestManager_UnansweredOfferGoesDownReconnectPath(t *testing.T) {
	f := newFixture(t, "alice", func(cfg *Config) {
		cfg.NegotiationTimeout = 5 * time.Millisecond
		cfg.Backoff.InitialDelay = 5 * time.Millisecond
	})
	f.joined(t, "alice", "bob")
	pc := f.pc(t, "bob")
	require.Equal(t, domain.PeerStateNegotiating, f.link(t, "bob").State())

	require.Eventually(t, func() bool {
		return len(f.sink.closedPeers()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, pc.isClosed())
	assert.False(t, f.hasLink("bob"))

	// The initial offer, then one ICE restart per attempt.
	offers := f.signal.signals(domain.EventOffer)
	assert.Len(t, offers, 3)
	pc.mu.Lock()
	assert.Equal(t, 2, pc.iceRestarts)
	pc.mu.Unlock()
}

func TestManager_UnansweredOfferRecoversOnLateAnswer(t *testing.T) {
	f := newFixture(t, "alice", func(cfg *Config) {
		cfg.NegotiationTimeout = 5 * time.Millisecond
	})
	f.joined(t, "alice", "bob")

	require.Eventually(t, func() bool {
		return len(f.signal.signals(domain.EventOffer)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.PeerStateReconnecting, f.link(t, "bob").State())

	f.connect(t, "bob")

	l := f.link(t, "bob")
	l.mu.Lock()
	assert.Zero(t, l.attempts)
	assert.Nil(t, l.timer)
	l.mu.Unlock()
}

func TestManager_AnswererGivesUpWhenNeverConnected(t *testing.T) {
	f := newFixture(t, "bob", func(cfg *Config) {
		cfg.NegotiationTimeout = 5 * time.Millisecond
		cfg.Backoff.InitialDelay = 5 * time.Millisecond
	})
	f.joined(t, "alice", "bob")
	f.offerFrom(t, "alice", false)
	f.signal.reset()

	require.Eventually(t, func() bool {
		return len(f.sink.closedPeers()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, f.hasLink("alice"))
	assert.Empty(t, f.signal.signals(domain.EventOffer))
}

func TestManager_GlareOffererIgnoresIncomingOffer(t *testing.T) {
	f := newFixture(t, "alice")
	f.joined(t, "alice", "bob")
	f.connect(t, "bob")

	f.m.ReplaceVideoTrack(nil, true)
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, f.pc(t, "bob").SignalingState())
	f.signal.reset()

	f.offerFrom(t, "bob", false)

	assert.Empty(t, f.signal.signals(domain.EventAnswer))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, f.pc(t, "bob").SignalingState())
	assert.Equal(t, domain.PeerStateConnected, f.link(t, "bob").State())
}

func TestManager_GlareAnswererRollsBack(t *testing.T) {
	f := newFixture(t, "bob")
	f.joined(t, "alice", "bob")

	f.offerFrom(t, "alice", false)
	f.pc(t, "alice").onState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, domain.PeerStateConnected, f.link(t, "alice").State())

	f.m.ReplaceVideoTrack(nil, true)
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, f.pc(t, "alice").SignalingState())
	f.signal.reset()

	f.offerFrom(t, "alice", true)

	answers := f.signal.signals(domain.EventAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.UserID("alice"), answers[0].TargetUserID)
	assert.Equal(t, webrtc.SignalingStateStable, f.pc(t, "alice").SignalingState())
	assert.True(t, f.link(t, "alice").info().ScreenShare)
}

func TestManager_UnexpectedAnswerIsIgnored(t *testing.T) {
	f := newFixture(t, "bob")
	f.joined(t, "alice", "bob")

	f.answerFrom(t, "alice")

	pc := f.pc(t, "alice")
	assert.Equal(t, webrtc.SignalingStateStable, pc.SignalingState())
	assert.Nil(t, pc.RemoteDescription())
	assert.Equal(t, domain.PeerStateIdle, f.link(t, "alice").State())
}

func TestManager_TombstoneDropsLateMessages(t *testing.T) {
	f := newFixture(t, "bob")
	f.joined(t, "alice", "bob")
	pc := f.pc(t, "alice")

	f.deliver(t, domain.EventUserDisconnected, domain.UserPayload{UserID: "alice"})
	assert.True(t, pc.isClosed())
	assert.Equal(t, []domain.UserID{"alice"}, f.sink.closedPeers())
	assert.False(t, f.hasLink("alice"))

	f.offerFrom(t, "alice", false)
	f.candidateFrom(t, "alice", "late")
	assert.False(t, f.hasLink("alice"))
	assert.Empty(t, f.signal.signals(domain.EventAnswer))

	// A genuine rejoin clears the tombstone.
	f.deliver(t, domain.EventUserConnected, domain.UserPayload{UserID: "alice"})
	require.True(t, f.hasLink("alice"))
	assert.Empty(t, f.signal.signals(domain.EventOffer))

	f.offerFrom(t, "alice", false)
	assert.Len(t, f.signal.signals(domain.EventAnswer), 1)
}

func TestManager_UserConnectedOffersWhenSmaller(t *testing.T) {
	f := newFixture(t, "alice")
	f.joined(t, "alice")
	assert.Empty(t, f.signal.signals(domain.EventOffer))

	f.deliver(t, domain.EventUserConnected, domain.UserPayload{UserID: "bob"})

	offers := f.signal.signals(domain.EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.UserID("bob"), offers[0].TargetUserID)
}

func TestManager_UserConnectedKeepsLinkFromEarlyOffer(t *testing.T) {
	f := newFixture(t, "bob")
	f.joined(t, "bob")
	f.offerFrom(t, "abe", false)
	pc := f.pc(t, "abe")
	require.Len(t, f.signal.signals(domain.EventAnswer), 1)

	f.deliver(t, domain.EventUserConnected, domain.UserPayload{UserID: "abe"})

	assert.Same(t, pc, f.pc(t, "abe"))
	assert.False(t, pc.isClosed())
	assert.Empty(t, f.sink.closedPeers())
	assert.Equal(t, domain.PeerStateNegotiating, f.link(t, "abe").State())

	f.candidateFrom(t, "abe", "after-notice")
	assert.Equal(t, []string{"after-notice"}, pc.appliedCandidates())
}

func TestManager_UserConnectedReplacesUnusedLink(t *testing.T) {
	f := newFixture(t, "bob")
	f.joined(t, "abe", "bob")
	stale := f.pc(t, "abe")
	require.Nil(t, stale.RemoteDescription())

	f.deliver(t, domain.EventUserConnected, domain.UserPayload{UserID: "abe"})

	assert.True(t, stale.isClosed())
	assert.NotSame(t, stale, f.pc(t, "abe"))
	assert.Equal(t, domain.PeerStateIdle, f.link(t, "abe").State())
}

func TestManager_ReconnectRestartsICE(t *testing.T) {
	f := newFixture(t, "alice")
	f.joined(t, "alice", "bob")
	f.connect(t, "bob")
	f.signal.reset()

	pc := f.pc(t, "bob")
	pc.onState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, domain.PeerStateReconnecting, f.link(t, "bob").State())

	// A second failure report during the same outage is ignored.
	pc.onState(webrtc.PeerConnectionStateFailed)

	offers := f.signal.signals(domain.EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.UserID("bob"), offers[0].TargetUserID)
	assert.Equal(t, "name-alice", offers[0].UserName)
	assert.Equal(t, 1, pc.iceRestarts)

	f.answerFrom(t, "bob")
	pc.onState(webrtc.PeerConnectionStateConnected)

	l := f.link(t, "bob")
	assert.Equal(t, domain.PeerStateConnected, l.State())
	l.mu.Lock()
	assert.Zero(t, l.attempts)
	assert.Nil(t, l.timer)
	l.mu.Unlock()
}

func TestManager_ReconnectExhaustionClosesLink(t *testing.T) {
	f := newFixture(t, "bob", func(cfg *Config) {
		cfg.Backoff.InitialDelay = 5 * time.Millisecond
	})
	f.joined(t, "alice", "bob")
	f.offerFrom(t, "alice", false)

	pc := f.pc(t, "alice")
	pc.onState(webrtc.PeerConnectionStateConnected)
	f.signal.reset()

	pc.onState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		return len(f.sink.closedPeers()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, pc.isClosed())
	assert.False(t, f.hasLink("alice"))
	assert.Empty(t, f.signal.signals(domain.EventOffer), "the answerer never restarts ICE")

	// The peer is tombstoned after giving up.
	f.offerFrom(t, "alice", false)
	assert.False(t, f.hasLink("alice"))
}

func TestManager_LeaveClosesLinksThenSendsLeave(t *testing.T) {
	f := newFixture(t, "alice")
	f.joined(t, "alice", "bob", "carol")
	pcs := []*fakePC{f.pc(t, "bob"), f.pc(t, "carol")}

	var closedAtLeave []bool
	f.signal.onSend = func(event domain.EventType) {
		if event == domain.EventLeave {
			for _, pc := range pcs {
				closedAtLeave = append(closedAtLeave, pc.isClosed())
			}
		}
	}

	require.NoError(t, f.m.Leave())

	assert.Equal(t, []bool{true, true}, closedAtLeave)
	assert.Empty(t, f.m.Peers())
	assert.ElementsMatch(t, []domain.UserID{"bob", "carol"}, f.sink.closedPeers())

	msgs := f.signal.all()
	last := msgs[len(msgs)-1]
	assert.Equal(t, domain.EventLeave, last.event)
	assert.Equal(t, domain.LeavePayload{RoomID: "x8k29a", UserID: "alice"}, last.payload)

	// Nothing is created once the room is gone.
	f.offerFrom(t, "dave", false)
	assert.False(t, f.hasLink("dave"))

	// A second leave has nothing to announce.
	f.signal.reset()
	require.NoError(t, f.m.Leave())
	assert.Empty(t, f.signal.all())
}

func TestManager_RemoteTrackReachesSink(t *testing.T) {
	f := newFixture(t, "alice")
	f.joined(t, "alice", "bob")

	track := &fakeTrack{kind: webrtc.RTPCodecTypeVideo, done: make(chan struct{})}
	f.pc(t, "bob").onTrack(track)

	<-track.done
	f.sink.mu.Lock()
	assert.Equal(t, []domain.UserID{"bob"}, f.sink.tracks)
	f.sink.mu.Unlock()

	resolution, _ := f.link(t, "bob").meter.Snapshot(time.Now())
	assert.Equal(t, "320x240", resolution)
}
