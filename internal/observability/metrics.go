// Package observability exposes the coordination plane's Prometheus
// metrics. A single Metrics value is wired through the runner, the API and
// the liveness monitor; all methods are nil-safe so tests can pass nil.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	cyclesTotal    prometheus.Counter
	cycleDuration  prometheus.Histogram
	cycleTokens    prometheus.Gauge
	taskResults    *prometheus.CounterVec
	authFailures   prometheus.Counter
	messagesTotal  *prometheus.CounterVec
	failoverEvents prometheus.Counter
	curationOps    *prometheus.CounterVec
	degradedMode   prometheus.Gauge
	journalDepth   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kurultai_heartbeat_cycles_total",
			Help: "Completed heartbeat cycles.",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kurultai_heartbeat_cycle_duration_seconds",
			Help:    "Wall time of one heartbeat cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		cycleTokens: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kurultai_heartbeat_cycle_tokens",
			Help: "Tokens consumed by the most recent cycle.",
		}),
		taskResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kurultai_task_results_total",
			Help: "Heartbeat task results by status.",
		}, []string{"status"}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kurultai_auth_failures_total",
			Help: "Rejected inter-agent requests, all causes.",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kurultai_messages_total",
			Help: "Accepted inter-agent messages by receiving agent.",
		}, []string{"agent"}),
		failoverEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "kurultai_failover_events_total",
			Help: "Standby promotions.",
		}),
		curationOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kurultai_curation_actions_total",
			Help: "Curation actions applied, by action.",
		}, []string{"action"}),
		degradedMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kurultai_graph_degraded",
			Help: "1 while the graph client is in degraded mode.",
		}),
		journalDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kurultai_graph_journal_depth",
			Help: "Writes buffered for replay while degraded.",
		}),
	}
}

func (m *Metrics) CycleCompleted(durationSecs float64, tokens int) {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(durationSecs)
	m.cycleTokens.Set(float64(tokens))
}

func (m *Metrics) TaskResult(status string) {
	if m == nil {
		return
	}
	m.taskResults.WithLabelValues(status).Inc()
}

func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) MessageAccepted(agent string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(agent).Inc()
}

func (m *Metrics) FailoverActivated() {
	if m == nil {
		return
	}
	m.failoverEvents.Inc()
}

func (m *Metrics) CurationAction(action string) {
	if m == nil {
		return
	}
	m.curationOps.WithLabelValues(action).Inc()
}

func (m *Metrics) SetDegraded(degraded bool, journalDepth int) {
	if m == nil {
		return
	}
	if degraded {
		m.degradedMode.Set(1)
	} else {
		m.degradedMode.Set(0)
	}
	m.journalDepth.Set(float64(journalDepth))
}
