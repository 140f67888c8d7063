package monitoring

import (
	"time"

	"meshroom/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports signaling relay metrics.
type PrometheusCollector struct {
	roomsActive   prometheus.Gauge
	roomsPublic   prometheus.Gauge
	roomMembers   prometheus.Gauge
	wsConnections prometheus.Gauge

	messagesRelayed *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec

	dispatchDuration prometheus.Histogram
}

// NewPrometheusCollector registers the relay metrics on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_rooms_active",
			Help: "Number of rooms with at least one member",
		}),

		roomsPublic: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_rooms_public",
			Help: "Number of active rooms listed in the public directory",
		}),

		roomMembers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_room_members",
			Help: "Total members across all rooms",
		}),

		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_ws_connections",
			Help: "Open signaling websocket connections",
		}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_signal_messages_relayed_total",
			Help: "Signaling envelopes delivered to at least one recipient",
		}, []string{"event"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_signal_messages_dropped_total",
			Help: "Signaling envelopes that were not delivered",
		}, []string{"event", "reason"}),

		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_event_bus_published_total",
			Help: "Room lifecycle events published to the event bus",
		}, []string{"result"}),

		dispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshroom_signal_dispatch_duration_seconds",
			Help:    "Time spent by the hub handling one inbound envelope",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}

func (p *PrometheusCollector) RecordRelayed(event domain.EventType) {
	p.messagesRelayed.WithLabelValues(string(event)).Inc()
}

func (p *PrometheusCollector) RecordDropped(event domain.EventType, reason string) {
	p.messagesDropped.WithLabelValues(string(event), reason).Inc()
}

func (p *PrometheusCollector) SetConnections(n int) {
	p.wsConnections.Set(float64(n))
}

func (p *PrometheusCollector) SetRooms(metrics domain.RelayMetrics) {
	p.roomsActive.Set(float64(metrics.ActiveRooms))
	p.roomsPublic.Set(float64(metrics.PublicRooms))
	p.roomMembers.Set(float64(metrics.ActiveMembers))
}

func (p *PrometheusCollector) ObserveDispatch(d time.Duration) {
	p.dispatchDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordPublished(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.eventsPublished.WithLabelValues(result).Inc()
}
