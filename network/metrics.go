package network

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the client's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Snapshots      prometheus.Counter
	Malformed      prometheus.Counter
	StaleRecords   prometheus.Counter
	UnknownRecords prometheus.Counter
	Reconciles     prometheus.Counter
	Divergences    prometheus.Counter
	Replayed       prometheus.Histogram
}

// NewMetrics creates the client collectors and registers them with reg if
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsync", Subsystem: "client", Name: "snapshots_total",
			Help: "Snapshots applied to the shadow state.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsync", Subsystem: "client", Name: "malformed_snapshots_total",
			Help: "Snapshots dropped because they failed to decode.",
		}),
		StaleRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsync", Subsystem: "client", Name: "stale_records_total",
			Help: "Records discarded because a newer version was already applied.",
		}),
		UnknownRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsync", Subsystem: "client", Name: "unknown_records_total",
			Help: "Records of unregistered component kinds.",
		}),
		Reconciles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsync", Subsystem: "client", Name: "reconciles_total",
			Help: "Authoritative states reconciled against prediction.",
		}),
		Divergences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsync", Subsystem: "client", Name: "divergences_total",
			Help: "Reconciliations where prediction disagreed with the server.",
		}),
		Replayed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "netsync", Subsystem: "client", Name: "replayed_ticks",
			Help:    "Inputs replayed per divergent reconciliation.",
			Buckets: prometheus.LinearBuckets(0, 2, 16),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Snapshots, m.Malformed, m.StaleRecords, m.UnknownRecords,
			m.Reconciles, m.Divergences, m.Replayed)
	}
	return m
}

func (m *Metrics) malformed() {
	if m == nil {
		return
	}
	m.Malformed.Inc()
}

func (m *Metrics) applied(res ApplyResult) {
	if m == nil {
		return
	}
	m.Snapshots.Inc()
	m.StaleRecords.Add(float64(res.Stale))
	m.UnknownRecords.Add(float64(res.Unknown))
}

func (m *Metrics) reconciled(diverged bool, replayed int) {
	if m == nil {
		return
	}
	m.Reconciles.Inc()
	if diverged {
		m.Divergences.Inc()
		m.Replayed.Observe(float64(replayed))
	}
}
