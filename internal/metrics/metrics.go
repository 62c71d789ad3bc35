package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the marketplace Prometheus collectors
type Metrics struct {
	Connections     prometheus.Gauge
	OnlinePlayers   prometheus.Gauge
	ActiveListings  prometheus.Gauge
	Messages        *prometheus.CounterVec
	ListingEvents   *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec
	PersistDuration prometheus.Histogram
	DroppedMessages prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketplace",
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections.",
		}),
		OnlinePlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketplace",
			Name:      "online_players",
			Help:      "Distinct registered players with at least one connection.",
		}),
		ActiveListings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketplace",
			Name:      "active_listings",
			Help:      "Listings currently in the ledger.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Name:      "messages_received_total",
			Help:      "Inbound WebSocket messages by type.",
		}, []string{"type"}),
		ListingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Name:      "listing_events_total",
			Help:      "Ledger changes by kind.",
		}, []string{"event"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Name:      "request_errors_total",
			Help:      "Rejected requests by error code.",
		}, []string{"code"}),
		PersistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marketplace",
			Name:      "persist_duration_seconds",
			Help:      "Time spent writing ledger snapshots.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		DroppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketplace",
			Name:      "dropped_messages_total",
			Help:      "Outbound messages dropped because a client buffer was full.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.OnlinePlayers,
			m.ActiveListings,
			m.Messages,
			m.ListingEvents,
			m.RequestErrors,
			m.PersistDuration,
			m.DroppedMessages,
		)
	}
	return m
}

// ObservePersist records how long a snapshot write took
func (m *Metrics) ObservePersist(start time.Time) {
	m.PersistDuration.Observe(time.Since(start).Seconds())
}
