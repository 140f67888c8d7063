package services

import (
	"sort"
	"sync"

	"meshroom/internal/core/domain"
)

// PeerStats pairs the latest sample of one remote peer with its grade.
type PeerStats struct {
	UserID  domain.UserID          `json:"userId"`
	Stats   domain.ConnectionStats `json:"stats"`
	Quality domain.Quality         `json:"quality"`
}

// StatsService keeps the latest connection sample per remote peer and
// notifies listeners on every update.
type StatsService struct {
	mu sync.RWMutex

	latest    map[domain.UserID]domain.ConnectionStats
	listeners []func(PeerStats)
	quality   *QualityService
}

func NewStatsService(quality *QualityService) *StatsService {
	if quality == nil {
		quality = NewQualityService()
	}
	return &StatsService{
		latest:  make(map[domain.UserID]domain.ConnectionStats),
		quality: quality,
	}
}

// OnUpdate registers fn to be called after each Publish. Listeners run on
// the publishing goroutine.
func (s *StatsService) OnUpdate(fn func(PeerStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *StatsService) Publish(peer domain.UserID, stats domain.ConnectionStats) {
	s.mu.Lock()
	s.latest[peer] = stats
	listeners := append([]func(PeerStats){}, s.listeners...)
	s.mu.Unlock()

	update := PeerStats{UserID: peer, Stats: stats, Quality: s.quality.Classify(stats)}
	for _, fn := range listeners {
		fn(update)
	}
}

func (s *StatsService) Latest(peer domain.UserID) (domain.ConnectionStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.latest[peer]
	return stats, ok
}

func (s *StatsService) Remove(peer domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, peer)
}

// Snapshot returns every peer's latest sample ordered by user id.
func (s *StatsService) Snapshot() []PeerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PeerStats, 0, len(s.latest))
	for peer, stats := range s.latest {
		out = append(out, PeerStats{UserID: peer, Stats: stats, Quality: s.quality.Classify(stats)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
