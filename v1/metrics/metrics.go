// Package metrics exposes the Prometheus collectors updated by the lock
// manager. Collectors are package-level and always updated; registering
// them on a registry is up to the application.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks acquisition attempts by outcome
	// (granted, denied, invalid, clock_error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"result"})
	// ReleaseCounter tracks Release calls, including rollbacks.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redlock_release_total",
		Help: "Total number of lock release calls",
	})
	// ReleasedNodesCounter tracks node entries actually removed by releases.
	ReleasedNodesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redlock_released_nodes_total",
		Help: "Total number of node entries removed by releases",
	})
	// NodeFailureCounter tracks failed node calls by node and operation.
	NodeFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_node_failures_total",
		Help: "Total number of failed node calls",
	}, []string{"node", "op"})
	// AcquireLatency observes the time spent fanning out an acquisition.
	AcquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "redlock_acquire_duration_seconds",
		Help:    "Time spent collecting votes for an acquisition",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	// ValidityGauge reports the validity window of the latest grant.
	ValidityGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redlock_last_validity_seconds",
		Help: "Validity window left on the most recent grant",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		ReleaseCounter,
		ReleasedNodesCounter,
		NodeFailureCounter,
		AcquireLatency,
		ValidityGauge,
	)
}
