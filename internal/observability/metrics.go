package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transitions_total", Help: "Committed ride transitions by event type"},
		[]string{"event"},
	)
	AssignRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assign_rejections_total", Help: "Rejected assignment attempts by error code"},
		[]string{"code"},
	)
	CommitConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "commit_conflicts_total", Help: "Compare-and-set conflicts during commits"},
	)
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rate_limited_total", Help: "Requests rejected by the rate guard"},
		[]string{"class"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_total", Help: "Fan-out deliveries by sink and outcome"},
		[]string{"sink", "outcome"},
	)
	SessionsConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "sessions_connected", Help: "Connected websocket sessions by room class"},
		[]string{"class"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
