// Package metrics defines the prometheus collectors the core
// components increment. Exposing them over HTTP is the operator's
// concern, not this package's; Registry only constructs and registers
// the collectors so a node can pass them down to its components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every collector a node's components report into.
type Registry struct {
	LocksGranted   *prometheus.CounterVec
	LocksQueued    *prometheus.CounterVec
	LocksReleased  *prometheus.CounterVec
	DetectionRounds *prometheus.CounterVec
	CyclesFound    *prometheus.CounterVec
	VictimsAborted *prometheus.CounterVec
	ZoneRecuts     prometheus.Counter
	ActiveTxns     prometheus.Gauge

	TxnLatencySeconds prometheus.Histogram
}

// NewRegistry constructs and registers all collectors against reg. In
// tests, pass prometheus.NewRegistry() for isolation; in production,
// prometheus.DefaultRegisterer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		LocksGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hawkdlm_locks_granted_total",
			Help: "Lock acquisitions granted immediately, by mode.",
		}, []string{"mode"}),
		LocksQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hawkdlm_locks_queued_total",
			Help: "Lock requests that had to wait, by mode.",
		}, []string{"mode"}),
		LocksReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hawkdlm_locks_released_total",
			Help: "Lock releases processed, by mode.",
		}, []string{"mode"}),
		DetectionRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hawkdlm_detection_rounds_total",
			Help: "Detection rounds completed, by engine.",
		}, []string{"engine"}),
		CyclesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hawkdlm_cycles_found_total",
			Help: "Cycles returned by the cycle finder, by engine.",
		}, []string{"engine"}),
		VictimsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hawkdlm_victims_aborted_total",
			Help: "Abort signals dispatched to victims, by engine.",
		}, []string{"engine"}),
		ZoneRecuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hawkdlm_zone_recuts_total",
			Help: "HAWK adaptive re-cut decisions that fired.",
		}),
		ActiveTxns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hawkdlm_active_transactions",
			Help: "Transactions currently tracked by this node's registry.",
		}),
		TxnLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hawkdlm_txn_latency_seconds",
			Help:    "Wall-clock time from Begin to Commit/Abort, per finished transaction.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.LocksGranted, r.LocksQueued, r.LocksReleased,
		r.DetectionRounds, r.CyclesFound, r.VictimsAborted, r.ZoneRecuts, r.ActiveTxns,
		r.TxnLatencySeconds)
	return r
}

// NewUnregistered builds a Registry backed by a private registry, for
// use in unit tests that do not want to touch a global registerer.
func NewUnregistered() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
