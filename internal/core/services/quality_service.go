package services

import (
	"meshroom/internal/core/domain"
)

// QualityThreshold is the worst sample still accepted for a grade.
type QualityThreshold struct {
	RTT        float64 // ms
	Jitter     float64 // ms
	PacketLoss float64 // percent
}

type QualityService struct {
	thresholds map[domain.Quality]QualityThreshold
}

func NewQualityService() *QualityService {
	return &QualityService{
		thresholds: map[domain.Quality]QualityThreshold{
			domain.QualityGood: {
				RTT:        150,
				Jitter:     30,
				PacketLoss: 1,
			},
			domain.QualityFair: {
				RTT:        300,
				Jitter:     60,
				PacketLoss: 5,
			},
		},
	}
}

func (qs *QualityService) Thresholds() map[domain.Quality]QualityThreshold {
	return qs.thresholds
}

// Classify grades a sample. A zero timestamp means nothing was measured yet.
func (qs *QualityService) Classify(stats domain.ConnectionStats) domain.Quality {
	if stats.Timestamp.IsZero() {
		return domain.QualityUnknown
	}
	if qs.meets(stats, qs.thresholds[domain.QualityGood]) {
		return domain.QualityGood
	}
	if qs.meets(stats, qs.thresholds[domain.QualityFair]) {
		return domain.QualityFair
	}
	return domain.QualityPoor
}

func (qs *QualityService) meets(stats domain.ConnectionStats, threshold QualityThreshold) bool {
	return stats.RTT <= threshold.RTT &&
		stats.Jitter <= threshold.Jitter &&
		stats.PacketLossPercentage <= threshold.PacketLoss
}
