package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "service_matching"

var (
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_connected", Help: "Open websocket sessions"})
	WorkersIndexed    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "workers_indexed", Help: "Workers currently present in the geo index"})

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "inbound_events_total", Help: "Inbound session events by outcome"},
		[]string{"event", "outcome"},
	)
	InboundRateLimited = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "inbound_rate_limited_total", Help: "Inbound frames dropped by the per-session limiter"})
	OutboundPushes     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "outbound_pushes_total", Help: "Outbound pushes by result"},
		[]string{"event", "result"},
	)
	OutboundDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "outbound_dropped_total", Help: "Frames dropped because a session send buffer was full"})

	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Service requests created"})
	BidsPlaced      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bids_total", Help: "Bids appended to pending requests"})
	RequestsClosed  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "requests_closed_total", Help: "Requests leaving pending by resulting status"},
		[]string{"status"},
	)
	RequestsEvicted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_evicted_total", Help: "Closed requests evicted from memory"})
	NotifySetSize   = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "notify_set_size",
		Help:      "Workers notified per new request",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Notify-set computation latency seconds"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "lifecycle_events_published_total", Help: "Lifecycle events handed to the event sink by result"},
		[]string{"result"},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "panics_recovered_total", Help: "Panics recovered by where they happened"},
		[]string{"where"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
