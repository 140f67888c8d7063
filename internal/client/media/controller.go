package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"meshroom/internal/client/mesh"
	"meshroom/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// VideoChangeFunc is told which track is now the outgoing video.
type VideoChangeFunc func(track webrtc.TrackLocal, screenShare bool)

type feed struct {
	source Source
	track  *webrtc.TrackLocalStaticRTP
	done   chan struct{}

	// A disabled feed keeps reading its source but sends nothing.
	enabled   atomic.Bool
	forwarded atomic.Uint64
}

// Controller owns the local tracks. Links only ever read them.
type Controller struct {
	streamID string
	logger   *zap.SugaredLogger

	mu            sync.Mutex
	audio         *feed
	camera        *feed
	screen        *feed
	audioOff      bool
	videoOff      bool
	onVideoChange VideoChangeFunc
}

func NewController(streamID string, logger *zap.SugaredLogger) *Controller {
	return &Controller{streamID: streamID, logger: logger}
}

// OnVideoChange registers the callback run by SwitchCamera and the screen
// share toggles.
func (c *Controller) OnVideoChange(fn VideoChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onVideoChange = fn
}

// Start acquires the microphone and camera. Nothing is kept if either
// fails.
func (c *Controller) Start(mic, camera Source) error {
	audio, err := c.open(mic, true)
	if err != nil {
		return fmt.Errorf("failed to acquire microphone: %w", err)
	}
	video, err := c.open(camera, true)
	if err != nil {
		c.stop(audio)
		return fmt.Errorf("failed to acquire camera: %w", err)
	}

	c.mu.Lock()
	c.audio, c.camera = audio, video
	c.audioOff, c.videoOff = false, false
	c.mu.Unlock()

	c.logger.Infow("local media started",
		"microphone", mic.ID(),
		"camera", camera.ID(),
	)
	return nil
}

// Tracks returns the current outgoing media.
func (c *Controller) Tracks() (mesh.LocalTracks, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audio == nil || c.camera == nil {
		return mesh.LocalTracks{}, domain.ErrMediaNotStarted
	}
	tracks := mesh.LocalTracks{Audio: c.audio.track, Video: c.camera.track}
	if c.screen != nil {
		tracks.Video = c.screen.track
	}
	return tracks, nil
}

// SwitchCamera replaces the camera source. The new track goes out right
// away unless a screen share is active.
func (c *Controller) SwitchCamera(camera Source) error {
	c.mu.Lock()
	videoOn := !c.videoOff
	c.mu.Unlock()

	next, err := c.open(camera, videoOn)
	if err != nil {
		return fmt.Errorf("failed to acquire camera: %w", err)
	}

	c.mu.Lock()
	if c.camera == nil {
		c.mu.Unlock()
		c.stop(next)
		return domain.ErrMediaNotStarted
	}
	next.enabled.Store(!c.videoOff)
	prev := c.camera
	c.camera = next
	sharing := c.screen != nil
	notify := c.onVideoChange
	c.mu.Unlock()

	c.stop(prev)
	if !sharing && notify != nil {
		notify(next.track, false)
	}

	c.logger.Infow("camera switched", "camera", camera.ID())
	return nil
}

func (c *Controller) StartScreenShare(screen Source) error {
	c.mu.Lock()
	started := c.camera != nil
	already := c.screen != nil
	c.mu.Unlock()
	if !started {
		return domain.ErrMediaNotStarted
	}
	if already {
		return errors.New("screen share already active")
	}

	next, err := c.open(screen, true)
	if err != nil {
		return fmt.Errorf("failed to acquire screen: %w", err)
	}

	c.mu.Lock()
	c.screen = next
	notify := c.onVideoChange
	c.mu.Unlock()

	if notify != nil {
		notify(next.track, true)
	}
	c.logger.Infow("screen share started", "screen", screen.ID())
	return nil
}

func (c *Controller) StopScreenShare() {
	c.mu.Lock()
	prev := c.screen
	c.screen = nil
	camera := c.camera
	notify := c.onVideoChange
	c.mu.Unlock()

	if prev == nil {
		return
	}
	if notify != nil && camera != nil {
		notify(camera.track, false)
	}
	c.stop(prev)
	c.logger.Infow("screen share stopped")
}

// ToggleAudio mutes or unmutes the microphone. It reports whether audio is
// sent afterwards.
func (c *Controller) ToggleAudio() (bool, error) {
	c.mu.Lock()
	if c.audio == nil {
		c.mu.Unlock()
		return false, domain.ErrMediaNotStarted
	}
	c.audioOff = !c.audioOff
	on := !c.audioOff
	c.audio.enabled.Store(on)
	c.mu.Unlock()

	c.logger.Infow("microphone toggled", "enabled", on)
	return on, nil
}

// ToggleVideo stops or resumes sending the camera. A screen share is not
// affected.
func (c *Controller) ToggleVideo() (bool, error) {
	c.mu.Lock()
	if c.camera == nil {
		c.mu.Unlock()
		return false, domain.ErrMediaNotStarted
	}
	c.videoOff = !c.videoOff
	on := !c.videoOff
	c.camera.enabled.Store(on)
	c.mu.Unlock()

	c.logger.Infow("camera toggled", "enabled", on)
	return on, nil
}

func (c *Controller) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// Close releases every device.
func (c *Controller) Close() {
	c.mu.Lock()
	feeds := []*feed{c.audio, c.camera, c.screen}
	c.audio, c.camera, c.screen = nil, nil, nil
	c.mu.Unlock()

	for _, f := range feeds {
		if f != nil {
			c.stop(f)
		}
	}
}

func (c *Controller) open(source Source, enabled bool) (*feed, error) {
	if err := source.Open(); err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(source.Codec(), source.ID(), c.streamID)
	if err != nil {
		source.Close()
		return nil, err
	}

	f := &feed{source: source, track: track, done: make(chan struct{})}
	f.enabled.Store(enabled)
	go c.pump(f)
	return f, nil
}

// pump copies packets from the source into the track until the source
// closes. Packets read while the feed is disabled are dropped.
func (c *Controller) pump(f *feed) {
	defer close(f.done)

	for {
		pkt, err := f.source.ReadRTP()
		if err != nil {
			if !errors.Is(err, ErrSourceClosed) {
				c.logger.Warnw("media source failed", "source", f.source.ID(), "error", err)
			}
			return
		}
		if !f.enabled.Load() {
			continue
		}
		f.forwarded.Add(1)
		if err := f.track.WriteRTP(pkt); err != nil {
			c.logger.Debugw("failed to write rtp", "source", f.source.ID(), "error", err)
		}
	}
}

func (c *Controller) stop(f *feed) {
	if err := f.source.Close(); err != nil {
		c.logger.Debugw("failed to close media source", "source", f.source.ID(), "error", err)
	}
	<-f.done
}
