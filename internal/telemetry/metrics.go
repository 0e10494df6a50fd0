package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	attempts      *prometheus.CounterVec
	ledgerEntries *prometheus.CounterVec
	alarms        *prometheus.CounterVec
	dropped       prometheus.Counter
	flushed       prometheus.Counter
	flushErrors   prometheus.Counter
}

// NewMetrics registers the counters on reg (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_usage_attempts_total",
			Help: "Metered usage attempts by feature and outcome.",
		}, []string{"feature", "outcome"}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_ledger_entries_total",
			Help: "Ledger entries committed by reason.",
		}, []string{"reason"}),
		alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_consistency_alarms_total",
			Help: "Balance/ledger consistency alarms by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credits_telemetry_dropped_total",
			Help: "Usage attempts dropped because the telemetry buffer was full or closed.",
		}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credits_telemetry_flushed_total",
			Help: "Usage attempts written to storage.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credits_telemetry_flush_errors_total",
			Help: "Failed telemetry batch writes.",
		}),
	}
	reg.MustRegister(m.attempts, m.ledgerEntries, m.alarms, m.dropped, m.flushed, m.flushErrors)
	return m
}

func (m *Metrics) UsageAttempt(feature, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(feature, outcome).Inc()
}

func (m *Metrics) LedgerEntry(reason string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConsistencyAlarm(kind string) {
	if m == nil {
		return
	}
	m.alarms.WithLabelValues(kind).Inc()
}

func (m *Metrics) telemetryDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) telemetryFlushed(n int) {
	if m == nil {
		return
	}
	m.flushed.Add(float64(n))
}

func (m *Metrics) telemetryFlushFailed() {
	if m == nil {
		return
	}
	m.flushErrors.Inc()
}
