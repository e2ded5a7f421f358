// Package metrics exposes ledger activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricAppendsTotal         = "auditledger_appends_total"
	MetricAppendDuration       = "auditledger_append_duration_seconds"
	MetricAppendConflictsTotal = "auditledger_append_conflicts_total"
	MetricChainHaltsTotal      = "auditledger_chain_halts_total"
	MetricVerificationsTotal   = "auditledger_verifications_total"
	MetricVerifiedRecordsTotal = "auditledger_verified_records_total"
)

// Metrics implements ledger.Observer. A nil *Metrics is a no-op.
type Metrics struct {
	appends         *prometheus.CounterVec
	appendDuration  prometheus.Histogram
	appendConflicts prometheus.Counter
	chainHalts      prometheus.Counter
	verifications   *prometheus.CounterVec
	verifiedRecords prometheus.Counter
}

// NewMetrics creates the collectors. They are not registered; call
// Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAppendsTotal,
			Help: "Ledger appends by result (success or fault kind)",
		}, []string{"result"}),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricAppendDuration,
			Help:    "Append latency including lock wait and retries",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		appendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAppendConflictsTotal,
			Help: "Appends retried because the chain tail moved",
		}),
		chainHalts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricChainHaltsTotal,
			Help: "Chains halted after a storage or integrity fault",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricVerificationsTotal,
			Help: "Chain verifications by result (valid, invalid, error)",
		}, []string{"result"}),
		verifiedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricVerifiedRecordsTotal,
			Help: "Records checked by chain verification",
		}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appends,
		m.appendDuration,
		m.appendConflicts,
		m.chainHalts,
		m.verifications,
		m.verifiedRecords,
	}
}

func (m *Metrics) AppendDone(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(result).Inc()
	m.appendDuration.Observe(d.Seconds())
}

func (m *Metrics) AppendConflict() {
	if m == nil {
		return
	}
	m.appendConflicts.Inc()
}

func (m *Metrics) ChainHalted() {
	if m == nil {
		return
	}
	m.chainHalts.Inc()
}

func (m *Metrics) VerifyDone(result string, records int) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
	m.verifiedRecords.Add(float64(records))
}
