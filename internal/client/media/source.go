package media

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// ErrSourceClosed is returned by ReadRTP once the source was closed.
var ErrSourceClosed = errors.New("media source closed")

// Source produces encoded RTP for one local device.
type Source interface {
	ID() string
	Codec() webrtc.RTPCodecCapability
	// Open acquires the device. A failing Open aborts joining a room.
	Open() error
	// ReadRTP blocks until the next packet is ready.
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

var (
	OpusCodec = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	VP8Codec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)

// synthetic emits packets on a fixed clock.
type synthetic struct {
	id       string
	codec    webrtc.RTPCodecCapability
	interval time.Duration
	step     uint32
	frame    func(n int) (payload []byte, marker bool)

	mu      sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	closed  bool
	seq     uint16
	ts      uint32
	written int
}

// NewSyntheticAudio returns a microphone that sends 20ms Opus silence
// frames.
func NewSyntheticAudio(id string) Source {
	return &synthetic{
		id:       id,
		codec:    OpusCodec,
		interval: 20 * time.Millisecond,
		step:     960,
		frame: func(int) ([]byte, bool) {
			return []byte{0xfc, 0xff, 0xfe}, false
		},
	}
}

// NewSyntheticVideo returns a camera or screen that sends one VP8 packet
// per frame with a key frame every second.
func NewSyntheticVideo(id string, width, height uint16, fps int) Source {
	if fps <= 0 {
		fps = 15
	}
	keyframe := vp8KeyframePayload(width, height)
	interframe := []byte{0x10, 0x01, 0x00, 0x00}

	return &synthetic{
		id:       id,
		codec:    VP8Codec,
		interval: time.Second / time.Duration(fps),
		step:     uint32(90000 / fps),
		frame: func(n int) ([]byte, bool) {
			if n%fps == 0 {
				return keyframe, true
			}
			return interframe, true
		},
	}
}

// vp8KeyframePayload is a payload descriptor followed by the key frame
// header carrying the frame size.
func vp8KeyframePayload(width, height uint16) []byte {
	return []byte{
		0x10,
		0x50, 0x02, 0x00,
		0x9d, 0x01, 0x2a,
		byte(width), byte(width >> 8),
		byte(height), byte(height >> 8),
		0x00,
	}
}

func (s *synthetic) ID() string                       { return s.id }
func (s *synthetic) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *synthetic) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.interval)
		s.done = make(chan struct{})
	}
	return nil
}

func (s *synthetic) ReadRTP() (*rtp.Packet, error) {
	s.mu.Lock()
	ticker, done := s.ticker, s.done
	closed := s.closed
	s.mu.Unlock()
	if closed || ticker == nil {
		return nil, ErrSourceClosed
	}

	select {
	case <-done:
		return nil, ErrSourceClosed
	case <-ticker.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}

	payload, marker := s.frame(s.written)
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
		},
		Payload: payload,
	}
	s.seq++
	s.ts += s.step
	s.written++
	return pkt, nil
}

func (s *synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.done)
	}
	return nil
}
