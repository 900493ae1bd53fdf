package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/automoto/netsync/server/replication"
)

// Metrics are the server's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Players       prometheus.Gauge
	Entities      prometheus.Gauge
	Snapshots     prometheus.Counter
	SnapshotBytes prometheus.Counter
	Records       prometheus.Counter
	Deferred      prometheus.Counter
	Oversized     prometheus.Counter
	Lost          prometheus.Counter
	Postponed     prometheus.Counter
	SendErrors    prometheus.Counter
	Malformed     prometheus.Counter
	RejectedJoins prometheus.Counter
	LateInputs    prometheus.Counter
	MissingInputs prometheus.Counter
	TickDuration  prometheus.Histogram
}

// NewMetrics creates the server collectors and registers them with reg if
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsync", Subsystem: "server", Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netsync", Subsystem: "server", Name: name, Help: help,
		})
	}

	m := &Metrics{
		Players:       gauge("players", "Players that completed the join handshake."),
		Entities:      gauge("entities", "Live replicated entities."),
		Snapshots:     counter("snapshots_total", "Snapshots sent."),
		SnapshotBytes: counter("snapshot_bytes_total", "Encoded snapshot bytes sent."),
		Records:       counter("records_total", "Component and despawn records sent."),
		Deferred:      counter("records_deferred_total", "Records left out of a snapshot by the byte budget."),
		Oversized:     counter("records_oversized_total", "Records larger than an empty snapshot's budget."),
		Lost:          counter("snapshots_lost_total", "Snapshots presumed lost from acknowledgements."),
		Postponed:     counter("connections_postponed_total", "Connections pushed to the next tick by the tick budget."),
		SendErrors:    counter("send_errors_total", "Failed snapshot or message sends."),
		Malformed:     counter("malformed_packets_total", "Client packets that failed to decode."),
		RejectedJoins: counter("rejected_joins_total", "Join requests refused."),
		LateInputs:    counter("late_inputs_total", "Inputs that arrived after their tick was simulated."),
		MissingInputs: counter("missing_inputs_total", "Ticks simulated without a fresh input from the owner."),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "netsync", Subsystem: "server", Name: "tick_duration_seconds",
			Help:    "Wall time spent in one server tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Players, m.Entities, m.Snapshots, m.SnapshotBytes, m.Records,
			m.Deferred, m.Oversized, m.Lost, m.Postponed, m.SendErrors, m.Malformed,
			m.RejectedJoins, m.LateInputs, m.MissingInputs, m.TickDuration)
	}
	return m
}

func (m *Metrics) sent(st replication.TickStats) {
	if m == nil {
		return
	}
	m.Snapshots.Add(float64(st.Snapshots))
	m.SnapshotBytes.Add(float64(st.Bytes))
	m.Records.Add(float64(st.Records))
	m.Deferred.Add(float64(st.Deferred))
	m.Oversized.Add(float64(st.Oversized))
	m.Lost.Add(float64(st.Lost))
	m.Postponed.Add(float64(st.Postponed))
	m.SendErrors.Add(float64(st.Errors))
}

func (m *Metrics) ticked(d time.Duration, players, entities int) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
	m.Players.Set(float64(players))
	m.Entities.Set(float64(entities))
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.RejectedJoins.Inc()
}

func (m *Metrics) malformed() {
	if m == nil {
		return
	}
	m.Malformed.Inc()
}

func (m *Metrics) inputs(late, missing int) {
	if m == nil {
		return
	}
	m.LateInputs.Add(float64(late))
	m.MissingInputs.Add(float64(missing))
}

func (m *Metrics) sendFailed() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}
