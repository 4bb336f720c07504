package gate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks gate activity on a private Prometheus registry.
//
// Exposed series:
//   - complygate_decisions_total{verdict, category}
//   - complygate_evaluation_duration_seconds{verdict}
//   - complygate_rule_matches_total{rule, severity, outcome}
//   - complygate_ledger_appends_total{result}
//   - complygate_ruleset_version
type Metrics struct {
	registry *prometheus.Registry

	decisionsTotal *prometheus.CounterVec
	evalDuration   *prometheus.HistogramVec
	ruleMatches    *prometheus.CounterVec
	ledgerAppends  *prometheus.CounterVec
	rulesetVersion prometheus.Gauge
}

// NewMetrics creates and registers the gate collectors on a fresh
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "complygate",
				Name:      "decisions_total",
				Help:      "Decisions by verdict and action category.",
			},
			[]string{"verdict", "category"},
		),
		evalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "complygate",
				Name:      "evaluation_duration_seconds",
				Help:      "End-to-end evaluation latency.",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2, 5},
			},
			[]string{"verdict"},
		),
		ruleMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "complygate",
				Name:      "rule_matches_total",
				Help:      "Matched rules by outcome.",
			},
			[]string{"rule", "severity", "outcome"},
		),
		ledgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "complygate",
				Name:      "ledger_appends_total",
				Help:      "Ledger appends by result.",
			},
			[]string{"result"},
		),
		rulesetVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "complygate",
				Name:      "ruleset_version",
				Help:      "Version of the currently published rule set.",
			},
		),
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.evalDuration,
		m.ruleMatches,
		m.ledgerAppends,
		m.rulesetVersion,
	)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordDecision counts one decision and observes its latency.
func (m *Metrics) RecordDecision(verdict, category string, d time.Duration) {
	m.decisionsTotal.WithLabelValues(verdict, category).Inc()
	m.evalDuration.WithLabelValues(verdict).Observe(d.Seconds())
}

// RecordRuleMatch counts one matched rule outcome.
func (m *Metrics) RecordRuleMatch(rule, severity, outcome string) {
	m.ruleMatches.WithLabelValues(rule, severity, outcome).Inc()
}

// RecordLedgerAppend counts an append attempt.
func (m *Metrics) RecordLedgerAppend(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ledgerAppends.WithLabelValues(result).Inc()
}

// SetRuleSetVersion records the currently published rule set version.
func (m *Metrics) SetRuleSetVersion(v uint64) {
	m.rulesetVersion.Set(float64(v))
}
