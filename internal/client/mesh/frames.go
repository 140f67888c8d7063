package mesh

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// frameMeter tracks the inbound video of one link: resolution from the
// last VP8 key frame and frame rate from RTP marker bits.
type frameMeter struct {
	mu sync.Mutex

	width, height int
	frames        int
	since         time.Time
}

func newFrameMeter(now time.Time) *frameMeter {
	return &frameMeter{since: now}
}

func (m *frameMeter) Observe(pkt *rtp.Packet) {
	width, height, keyframe := parseVP8Keyframe(pkt.Payload)

	m.mu.Lock()
	defer m.mu.Unlock()

	if keyframe {
		m.width, m.height = width, height
	}
	if pkt.Marker {
		m.frames++
	}
}

// Snapshot returns the resolution and the frame rate since the previous
// snapshot, then starts a new interval.
func (m *frameMeter) Snapshot(now time.Time) (string, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fps float64
	if elapsed := now.Sub(m.since).Seconds(); elapsed > 0 {
		fps = float64(m.frames) / elapsed
	}
	m.frames = 0
	m.since = now

	if m.width == 0 || m.height == 0 {
		return "", fps
	}
	return fmt.Sprintf("%dx%d", m.width, m.height), fps
}

// parseVP8Keyframe reads the frame size from the first packet of a VP8 key
// frame (RFC 6386 section 9.1).
func parseVP8Keyframe(payload []byte) (width, height int, ok bool) {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(payload)
	if err != nil || vp8.S != 1 || vp8.PID != 0 {
		return 0, 0, false
	}
	if len(frame) < 10 || frame[0]&0x01 != 0 {
		return 0, 0, false
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0, false
	}

	width = int(binary.LittleEndian.Uint16(frame[6:8]) & 0x3fff)
	height = int(binary.LittleEndian.Uint16(frame[8:10]) & 0x3fff)
	return width, height, true
}
