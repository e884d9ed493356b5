package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "agrilink", Name: "ws_connections_active", Help: "Live websocket connections"})
	EventsBroadcast   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "agrilink", Name: "events_broadcast_total", Help: "Events delivered to room subscribers"})

	LocationReports  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "agrilink", Name: "location_reports_total", Help: "Location reports accepted by the relay"})
	LocationPersists = promauto.NewCounter(prometheus.CounterOpts{Namespace: "agrilink", Name: "location_persists_total", Help: "Location snapshots written through the throttle"})

	NegotiationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "agrilink", Name: "negotiation_messages_total", Help: "Negotiation messages by type"},
		[]string{"type"},
	)
	NegotiationRejects = promauto.NewCounter(prometheus.CounterOpts{Namespace: "agrilink", Name: "negotiation_rejects_total", Help: "Negotiation messages rejected before persistence"})

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "agrilink", Name: "settlements_total", Help: "Settlement attempts by outcome"},
		[]string{"outcome"},
	)
	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "agrilink", Name: "settlement_retries_total", Help: "Background settlement retries scheduled"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "agrilink", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agrilink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
