// Package metrics exposes the reconciliation daemon's prometheus metrics,
// replacing the hand-rolled atomic-counter struct used for deployment
// metrics elsewhere in this codebase with real client_golang collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the daemon registers. A single instance
// is created at startup and threaded through the components that report
// into it.
type Metrics struct {
	ReconcileCycles   prometheus.Counter
	ReconcileDuration prometheus.Histogram
	RecordsAdded      *prometheus.CounterVec
	RecordsRemoved    *prometheus.CounterVec
	ReloadsIssued     *prometheus.CounterVec
	ReplicationErrors prometheus.Counter
	CleanupDuplicatesRemoved prometheus.Counter
	BackendErrors     *prometheus.CounterVec
}

// New creates and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconcileCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dns_agent",
			Name:      "reconcile_cycles_total",
			Help:      "Total number of reconcile cycles executed.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dns_agent",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of a single reconcile cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		RecordsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dns_agent",
			Name:      "records_added_total",
			Help:      "Total DNS records added, labeled by backend.",
		}, []string{"backend"}),
		RecordsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dns_agent",
			Name:      "records_removed_total",
			Help:      "Total DNS records removed, labeled by backend.",
		}, []string{"backend"}),
		ReloadsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dns_agent",
			Name:      "reloads_issued_total",
			Help:      "Total resolver reloads issued, labeled by backend and kind.",
		}, []string{"backend", "kind"}),
		ReplicationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dns_agent",
			Name:      "replication_errors_total",
			Help:      "Total failed replication POSTs to peers.",
		}),
		CleanupDuplicatesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dns_agent",
			Name:      "cleanup_duplicates_removed_total",
			Help:      "Total duplicate host-override entries removed by the cleanup sweep.",
		}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dns_agent",
			Name:      "backend_errors_total",
			Help:      "Total backend errors, labeled by backend and error kind.",
		}, []string{"backend", "kind"}),
	}

	reg.MustRegister(
		m.ReconcileCycles,
		m.ReconcileDuration,
		m.RecordsAdded,
		m.RecordsRemoved,
		m.ReloadsIssued,
		m.ReplicationErrors,
		m.CleanupDuplicatesRemoved,
		m.BackendErrors,
	)

	return m
}
