package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "rides_created_total", Help: "Total ride requests accepted"})
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "idempotent_replays_total", Help: "Create-ride calls answered from a prior row"})
	KillSwitchRejections = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "kill_switch_rejections_total", Help: "Ride creations rejected by the dispatch kill switch"})
	OffersSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "offers_sent_total", Help: "Driver offers sent"})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "offers_accepted_total", Help: "Driver offers accepted"})
	OffersDeclined = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "offers_declined_total", Help: "Driver offers declined"})
	OffersTimedOut = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "offers_timed_out_total", Help: "Driver offers expired by the timeout sweep"})
	NoDriverFound = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "no_driver_found_total", Help: "Rides exhausted without a driver"})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_hailing", Name: "dispatch_latency_seconds", Help: "Create-ride to first-offer latency"})

	PaymentsInitiated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "payments_initiated_total", Help: "Payments created from trip.ended events"})
	PaymentsCaptured = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "payments_captured_total", Help: "Payments captured by the PSP"})
	PaymentsFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "payments_failed_total", Help: "Payments that exhausted the PSP retry policy"})
	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "outbox_published_total", Help: "Outbox entries published to the bus"})
	OutboxExhausted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "outbox_exhausted_total", Help: "Outbox entries marked FAILED after retry exhaustion"})
	ReconcileSuccess = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "payment_reconciliation_success_total", Help: "Payments captured by the reconciliation sweep"})
	ReconcileFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "payment_reconciliation_failed_total", Help: "Reconciliation attempts that failed or were skipped"})

	SurgeSnapshots = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "surge_snapshots_total", Help: "Supply/demand snapshots processed"})
	SurgeMaxMultiplier = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_hailing", Name: "surge_max_multiplier", Help: "Highest multiplier computed in the current process"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_hailing", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_hailing", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_hailing",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
