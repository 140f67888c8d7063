package media

import (
	"sort"
	"sync"

	"meshroom/internal/client/mesh"
	"meshroom/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RemoteFeed counts what arrived from one peer.
type RemoteFeed struct {
	UserID       domain.UserID
	AudioPackets uint64
	VideoPackets uint64
	Bytes        uint64
	Tracks       int
}

// Receiver is the presentation side of remote media. It does not decode;
// it keeps per-peer counters for display.
type Receiver struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	feeds map[domain.UserID]*RemoteFeed
}

var _ mesh.MediaSink = (*Receiver)(nil)

func NewReceiver(logger *zap.SugaredLogger) *Receiver {
	return &Receiver{
		logger: logger,
		feeds:  make(map[domain.UserID]*RemoteFeed),
	}
}

func (r *Receiver) OnRemoteTrack(peer domain.UserID, track mesh.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedLocked(peer).Tracks++
}

func (r *Receiver) OnRemotePacket(peer domain.UserID, kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.feedLocked(peer)
	if kind == webrtc.RTPCodecTypeAudio {
		f.AudioPackets++
	} else {
		f.VideoPackets++
	}
	f.Bytes += uint64(len(pkt.Payload))
}

func (r *Receiver) OnPeerClosed(peer domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.feeds, peer)
	r.logger.Debugw("remote media released", "peer", peer)
}

// Feeds returns a copy of every peer's counters ordered by user id.
func (r *Receiver) Feeds() []RemoteFeed {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RemoteFeed, 0, len(r.feeds))
	for _, f := range r.feeds {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Receiver) feedLocked(peer domain.UserID) *RemoteFeed {
	f, ok := r.feeds[peer]
	if !ok {
		f = &RemoteFeed{UserID: peer}
		r.feeds[peer] = f
	}
	return f
}
