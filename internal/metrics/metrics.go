package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	OutcomeAcquired = "acquired"
	OutcomeRenewed  = "renewed"
	OutcomeConflict = "conflict"
	OutcomeOK       = "ok"
	OutcomeMissing  = "missing"
	OutcomeError    = "error"
	OutcomeSkipped  = "skipped"
)

// Delivery path label values.
const (
	PathLocal  = "local"
	PathRemote = "remote"
)

var (
	// LockOperations counts coordinator calls by operation and outcome.
	LockOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "venuelock_lock_operations_total",
		Help: "Total number of lock coordinator operations",
	}, []string{"op", "outcome"})
	// AcquireDuration observes the latency of the acquisition transaction.
	AcquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "venuelock_lock_acquire_seconds",
		Help:    "Latency of lock acquisition transactions",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	// SweptLocks counts expired leases removed from the store.
	SweptLocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "venuelock_locks_swept_total",
		Help: "Total number of expired locks removed",
	})
	// BroadcastPublishes counts broadcast log appends by outcome.
	BroadcastPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "venuelock_broadcast_publishes_total",
		Help: "Total number of broadcast log appends",
	}, []string{"outcome"})
	// Deliveries counts events pushed to subscribers by path.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "venuelock_stream_deliveries_total",
		Help: "Total number of events pushed to stream subscribers",
	}, []string{"path"})
	// Subscribers reports the number of open push streams on this instance.
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "venuelock_stream_subscribers",
		Help: "Current number of stream subscribers",
	})
	// RejectedSubscribers counts registrations refused at capacity.
	RejectedSubscribers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "venuelock_stream_rejected_total",
		Help: "Total number of stream registrations rejected at capacity",
	})
)

func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers the service collectors on reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockOperations,
		AcquireDuration,
		SweptLocks,
		BroadcastPublishes,
		Deliveries,
		Subscribers,
		RejectedSubscribers,
	)
}
