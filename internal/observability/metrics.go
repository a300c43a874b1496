// README: Prometheus metrics shared by the dispatch modules.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	BookingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Bookings created, by delivery kind"},
		[]string{"kind"},
	)
	FareRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fare_rejected_total", Help: "Bookings left unfinalized by a fare input error"},
		[]string{"reason"},
	)
	FareMismatches = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "fare_mismatch_total", Help: "Client submitted fares outside tolerance of the server fare"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking status transitions"},
		[]string{"from", "to"},
	)

	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Completed assignments, by method"},
		[]string{"method"},
	)
	AssignmentFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assignment_failures_total", Help: "Bookings moved to assignment_failed"})
	ClaimConflicts     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claim_conflicts_total", Help: "Candidate claims lost to a concurrent assignment"})
	AssignLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "assign_latency_seconds", Help: "Assignment pass latency seconds", Buckets: prometheus.DefBuckets})
	AssignmentRetries  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assignment_retries_total", Help: "Failed bookings reopened by the retry sweeper"})

	SamplesIngested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Location samples accepted into history"})
	SamplesStale    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_stale_total", Help: "Samples older than the driver's last position"})
	SamplesInvalid  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_invalid_total", Help: "Samples rejected by validation"})
	ETAUpdates      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "eta_updates_total", Help: "Booking tracking projections updated"})

	TrackingReads = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tracking_reads_total", Help: "Tracking token reads, by result"},
		[]string{"result"},
	)
	TrackingStreams = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_streams", Help: "Open tracking websocket streams"})

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
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Domain events published, by type"},
		[]string{"type"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "In-process events dropped because the queue was full"},
		[]string{"type"},
	)
)
