package mesh

import (
	"context"
	"fmt"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type counters struct {
	lost     int64
	received int64
}

// Collector samples every connected link on a ticker and publishes the
// result to a StatsService.
type Collector struct {
	manager  *Manager
	stats    *services.StatsService
	interval time.Duration
	logger   *zap.SugaredLogger
	now      func() time.Time

	// only touched by the sampling goroutine
	prev map[domain.UserID]counters
}

func NewCollector(manager *Manager, stats *services.StatsService, interval time.Duration, logger *zap.SugaredLogger) *Collector {
	return &Collector{
		manager:  manager,
		stats:    stats,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		prev:     make(map[domain.UserID]counters),
	}
}

func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sample()
		}
	}
}

// Sample takes one snapshot of every connected link and drops peers that
// no longer have a link.
func (c *Collector) Sample() {
	live := make(map[domain.UserID]bool)
	for _, p := range c.manager.Peers() {
		live[p.UserID] = true
	}
	for _, p := range c.stats.Snapshot() {
		if !live[p.UserID] {
			c.stats.Remove(p.UserID)
		}
	}
	for peer := range c.prev {
		if !live[peer] {
			delete(c.prev, peer)
		}
	}

	for _, l := range c.manager.connected() {
		stats, err := c.sampleLink(l)
		if err != nil {
			c.logger.Warnw("failed to sample connection stats", "peer", l.remote, "error", err)
			continue
		}
		c.stats.Publish(l.remote, stats)
	}
}

func (c *Collector) sampleLink(l *link) (stats domain.ConnectionStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while sampling: %v", r)
		}
	}()

	now := c.now()
	stats = domain.ConnectionStats{Timestamp: now}

	for _, s := range l.pc.GetStats() {
		switch v := s.(type) {
		case webrtc.ICECandidatePairStats:
			applyPair(&stats, v)
		case *webrtc.ICECandidatePairStats:
			applyPair(&stats, *v)
		}
	}

	// Receive counters come per remote stream, not from the report.
	var current counters
	var jitter float64
	var inbound int
	for _, ssrc := range l.remoteSSRCs() {
		in, ok := l.pc.InboundStats(ssrc)
		if !ok {
			continue
		}
		current.lost += in.PacketsLost
		current.received += int64(in.PacketsReceived)
		jitter += in.Jitter
		inbound++
	}

	if inbound > 0 {
		stats.Jitter = jitter / float64(inbound) * 1000
	}

	prev := c.prev[l.remote]
	stats.PacketsLost = current.lost
	stats.PacketLossPercentage = lossPercentage(current.lost-prev.lost, current.received-prev.received)
	c.prev[l.remote] = current

	stats.Resolution, stats.FrameRate = l.meter.Snapshot(now)
	return stats, nil
}

func applyPair(stats *domain.ConnectionStats, pair webrtc.ICECandidatePairStats) {
	if !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
		return
	}
	stats.RTT = pair.CurrentRoundTripTime * 1000
}

// lossPercentage is the share of packets lost over one interval, clamped
// to [0, 100]. Counters that went backwards count as no loss.
func lossPercentage(lost, received int64) float64 {
	if lost <= 0 {
		return 0
	}
	if received < 0 {
		received = 0
	}
	pct := float64(lost) / float64(lost+received) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
