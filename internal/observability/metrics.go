package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "home_dispatch"

var (
	CandidateSearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "candidate_searches_total", Help: "Candidate searches by outcome"},
		[]string{"result"},
	)
	CandidateSearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "candidate_search_latency_seconds", Help: "Candidate search latency seconds"})
	CandidatesReturned     = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_returned",
		Help:      "Number of candidates returned per search",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Booking transitions by event and result"},
		[]string{"event", "result"},
	)
	TransitionRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "transition_retries_total", Help: "Stale-state retries during transitions"})
	OffersTotal            = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Offer attempts by result"},
		[]string{"result"},
	)

	LocationUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Location pings by result"},
		[]string{"result"},
	)
	WorkersOffline = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "workers_marked_offline_total", Help: "Workers marked offline"})

	BroadcastDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_delivered_total", Help: "Events queued to subscribers"},
		[]string{"type"},
	)
	BroadcastDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_dropped_total", Help: "Events dropped on full subscriber queues"},
		[]string{"type"},
	)
	PublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "publish_failures_total", Help: "Publish errors swallowed after commit"},
		[]string{"source"},
	)
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "broadcast_subscribers", Help: "Connected subscribers"})

	ActivityAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "activity_appended_total", Help: "Activity entries appended"},
		[]string{"action"},
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
