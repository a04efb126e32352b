package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wesm/offlinesales/internal/db"
)

// Metrics holds the sync engine's Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	operations  *prometheus.CounterVec
	runs        *prometheus.CounterVec
	remoteCalls *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesales_sync_operations_total",
				Help: "Queued operations processed by sync, by outcome.",
			},
			[]string{"type", "outcome"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinesales_sync_runs_total",
				Help: "Sync pass attempts, by result.",
			},
			[]string{"type", "result"},
		),
		remoteCalls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offlinesales_remote_call_seconds",
				Help:    "Latency of remote write calls.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"call"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.runs, m.remoteCalls)
	}
	return m
}

func (m *Metrics) operation(typ db.OperationType, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(typ), outcome).Inc()
}

func (m *Metrics) run(typ db.OperationType, result string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(typ), result).Inc()
}

func (m *Metrics) remoteCall(call string, started time.Time) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(call).Observe(
		time.Since(started).Seconds(),
	)
}
