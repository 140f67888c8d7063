package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshroom/internal/client/media"
	"meshroom/internal/client/mesh"
	"meshroom/internal/client/signaling"
	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"

	"go.uber.org/zap"
)

// ErrSignalingLost is returned by Join when the relay went away before
// answering.
var ErrSignalingLost = errors.New("signaling connection lost before join completed")

type Options struct {
	RoomID        domain.RoomID
	UserID        domain.UserID
	DisplayName   string
	Room          *domain.RoomConfig
	StatsInterval time.Duration
}

// ChatPayload is the data carried by chat-message envelopes.
type ChatPayload struct {
	Message  string `json:"message"`
	UserName string `json:"userName,omitempty"`
}

type ReactionPayload struct {
	Emoji    string `json:"emoji"`
	UserName string `json:"userName,omitempty"`
}

// Session is one participant in one room. It wires the signaling client,
// the peer links, local media and the stats collector together.
type Session struct {
	opts      Options
	signal    *signaling.Client
	media     *media.Controller
	mesh      *mesh.Manager
	stats     *services.StatsService
	collector *mesh.Collector
	logger    *zap.SugaredLogger

	events   chan domain.Envelope
	joinDone chan error
	cancel   context.CancelFunc

	mu    sync.Mutex
	rooms []domain.RoomInfo

	leaveOnce sync.Once
	leaveErr  error
}

func New(
	opts Options,
	signal *signaling.Client,
	controller *media.Controller,
	factory mesh.ConnFactory,
	meshCfg mesh.Config,
	sink mesh.MediaSink,
	logger *zap.SugaredLogger,
) *Session {
	manager := mesh.NewManager(meshCfg, factory, signal, sink, logger.With("component", "mesh"))
	stats := services.NewStatsService(services.NewQualityService())

	interval := opts.StatsInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &Session{
		opts:      opts,
		signal:    signal,
		media:     controller,
		mesh:      manager,
		stats:     stats,
		collector: mesh.NewCollector(manager, stats, interval, logger.With("component", "stats")),
		logger:    logger,
		events:    make(chan domain.Envelope, 64),
		joinDone:  make(chan error, 1),
	}
}

// Join acquires local media and enters the room. It returns once the relay
// confirmed membership. A media failure returns before anything is sent.
func (s *Session) Join(ctx context.Context, mic, camera media.Source) error {
	if err := s.media.Start(mic, camera); err != nil {
		return err
	}

	tracks, err := s.media.Tracks()
	if err != nil {
		s.media.Close()
		return err
	}
	s.mesh.SetLocalTracks(tracks)
	s.media.OnVideoChange(s.mesh.ReplaceVideoTrack)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.dispatch()
	go s.collector.Run(runCtx)

	err = s.signal.Send(domain.EventJoin, domain.JoinPayload{
		RoomID: s.opts.RoomID,
		UserID: s.opts.UserID,
		Config: s.opts.Room,
	})
	if err == nil {
		select {
		case err = <-s.joinDone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		s.teardown()
		return fmt.Errorf("failed to join room %s: %w", s.opts.RoomID, err)
	}

	s.logger.Infow("joined room",
		"room_id", s.opts.RoomID,
		"user_id", s.opts.UserID,
	)
	return nil
}

func (s *Session) dispatch() {
	for env := range s.signal.Incoming() {
		switch {
		case env.Type == domain.EventRoomJoined:
			if err := s.mesh.HandleEnvelope(env); err != nil {
				s.logger.Warnw("invalid room snapshot", "error", err)
			}
			s.finishJoin(nil)

		case env.Type == domain.EventRoomFull:
			s.finishJoin(domain.ErrRoomFull)

		case env.Type == domain.EventRoomsUpdate:
			var rooms []domain.RoomInfo
			if err := json.Unmarshal(env.Payload, &rooms); err != nil {
				s.logger.Warnw("invalid room directory", "error", err)
				continue
			}
			s.mu.Lock()
			s.rooms = rooms
			s.mu.Unlock()

		case env.Type == domain.EventError:
			var p domain.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			s.logger.Warnw("relay reported an error", "message", p.Message)

		case env.Type.IsBroadcast():
			select {
			case s.events <- env:
			default:
				s.logger.Debugw("dropping room event, consumer is behind", "type", env.Type)
			}

		default:
			if err := s.mesh.HandleEnvelope(env); err != nil {
				s.logger.Warnw("failed to handle signaling message", "type", env.Type, "error", err)
			}
		}
	}

	// Links stay up, only signaling is gone.
	s.finishJoin(ErrSignalingLost)
	s.logger.Warnw("signaling offline")
}

func (s *Session) finishJoin(err error) {
	select {
	case s.joinDone <- err:
	default:
	}
}

// Events delivers chat, reactions, captions and whiteboard envelopes.
func (s *Session) Events() <-chan domain.Envelope {
	return s.events
}

func (s *Session) SendChat(message string) error {
	return s.signal.Send(domain.EventChatMessage, ChatPayload{
		Message:  message,
		UserName: s.opts.DisplayName,
	})
}

func (s *Session) SendReaction(emoji string) error {
	return s.signal.Send(domain.EventReaction, ReactionPayload{
		Emoji:    emoji,
		UserName: s.opts.DisplayName,
	})
}

func (s *Session) StartScreenShare(screen media.Source) error {
	return s.media.StartScreenShare(screen)
}

func (s *Session) StopScreenShare() {
	s.media.StopScreenShare()
}

func (s *Session) SwitchCamera(camera media.Source) error {
	return s.media.SwitchCamera(camera)
}

// ToggleAudio mutes or unmutes the microphone for every peer.
func (s *Session) ToggleAudio() (bool, error) {
	return s.media.ToggleAudio()
}

// ToggleVideo stops or resumes the camera for every peer.
func (s *Session) ToggleVideo() (bool, error) {
	return s.media.ToggleVideo()
}

func (s *Session) Peers() []mesh.PeerInfo {
	return s.mesh.Peers()
}

func (s *Session) Stats() []services.PeerStats {
	return s.stats.Snapshot()
}

func (s *Session) OnStats(fn func(services.PeerStats)) {
	s.stats.OnUpdate(fn)
}

func (s *Session) Rooms() []domain.RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RoomInfo(nil), s.rooms...)
}

func (s *Session) Status() signaling.Status {
	return s.signal.Status()
}

func (s *Session) Latency() time.Duration {
	return s.signal.Latency()
}

// Leave closes every link, tells the relay, then releases local media.
// Safe to call more than once.
func (s *Session) Leave() error {
	s.leaveOnce.Do(func() {
		s.leaveErr = s.mesh.Leave()
		s.teardown()
	})
	return s.leaveErr
}

// Close leaves the room and shuts down the signaling connection.
func (s *Session) Close() error {
	err := s.Leave()
	s.signal.Close()
	return err
}

func (s *Session) teardown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.media.Close()
	s.mesh.Close()
}
