package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the admission pipeline.
// Constructed once at process start and injected; no ambient state.
type Metrics struct {
	registry *prometheus.Registry

	DecisionsTotal  *prometheus.CounterVec
	RiskAssessments *prometheus.CounterVec
	ActiveBlocks    prometheus.Gauge
	AnomalyAlerts   prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	AuditEntries    prometheus.Counter
}

// NewMetrics creates and registers all instruments on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "komainu",
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome",
		}, []string{"outcome"}),
		RiskAssessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "komainu",
			Name:      "risk_assessments_total",
			Help:      "Risk assessments by level",
		}, []string{"level"}),
		ActiveBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "komainu",
			Name:      "active_blocks",
			Help:      "Currently active block records",
		}),
		AnomalyAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "komainu",
			Name:      "anomaly_alerts_total",
			Help:      "Anomaly alerts raised by the audit trail",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "komainu",
			Name:      "cache_hits_total",
			Help:      "Scoped cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "komainu",
			Name:      "cache_misses_total",
			Help:      "Scoped cache misses, including role-denied reads",
		}),
		AuditEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "komainu",
			Name:      "audit_entries_total",
			Help:      "Entries recorded in the audit trail",
		}),
	}

	registry.MustRegister(
		m.DecisionsTotal,
		m.RiskAssessments,
		m.ActiveBlocks,
		m.AnomalyAlerts,
		m.CacheHits,
		m.CacheMisses,
		m.AuditEntries,
	)

	return m
}

// Handler returns the /metrics HTTP handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
