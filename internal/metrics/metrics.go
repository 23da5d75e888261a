// Package metrics exposes runtime counters and gauges for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ruleEdges      *prometheus.CounterVec
	actions        *prometheus.CounterVec
	fetchErrors    *prometheus.CounterVec
	degraded       *prometheus.GaugeVec
	alertLevel     *prometheus.GaugeVec
	callbackPanics *prometheus.CounterVec
	agents         prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ruleEdges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nae_rule_transitions_total",
			Help: "Rule fire and clear edges",
		}, []string{"agent", "rule", "edge"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nae_actions_total",
			Help: "Actions executed by outcome",
		}, []string{"agent", "action", "status"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nae_telemetry_fetch_errors_total",
			Help: "Failed telemetry fetches per subscription",
		}, []string{"uri"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nae_telemetry_degraded",
			Help: "1 while a subscription is degraded",
		}, []string{"uri"}),
		alertLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nae_agent_alert_level",
			Help: "Agent alert level: 0 none, 1 minor, 2 major, 3 critical",
		}, []string{"agent"}),
		callbackPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nae_callback_panics_total",
			Help: "Agent callbacks that panicked",
		}, []string{"agent", "callback"}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nae_agents",
			Help: "Agents loaded on the host",
		}),
	}
	m.registry.MustRegister(
		m.ruleEdges,
		m.actions,
		m.fetchErrors,
		m.degraded,
		m.alertLevel,
		m.callbackPanics,
		m.agents,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FetchFailed(uri string) {
	m.fetchErrors.WithLabelValues(uri).Inc()
}

func (m *Metrics) DegradedChanged(uri string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	m.degraded.WithLabelValues(uri).Set(v)
}

func (m *Metrics) ActionDone(agentID, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.actions.WithLabelValues(agentID, kind, status).Inc()
}

func (m *Metrics) RuleEdge(agentID, rule, edge string) {
	m.ruleEdges.WithLabelValues(agentID, rule, edge).Inc()
}

func (m *Metrics) AlertLevelChanged(agentID string, level int) {
	m.alertLevel.WithLabelValues(agentID).Set(float64(level))
}

func (m *Metrics) CallbackPanicked(agentID, callback string) {
	m.callbackPanics.WithLabelValues(agentID, callback).Inc()
}

func (m *Metrics) AgentsLoaded(n int) {
	m.agents.Set(float64(n))
}

// Forget drops the series of a deleted agent.
func (m *Metrics) Forget(agentID string) {
	m.alertLevel.DeleteLabelValues(agentID)
	m.ruleEdges.DeletePartialMatch(prometheus.Labels{"agent": agentID})
	m.actions.DeletePartialMatch(prometheus.Labels{"agent": agentID})
	m.callbackPanics.DeletePartialMatch(prometheus.Labels{"agent": agentID})
}
