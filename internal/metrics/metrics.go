// Package metrics exposes the control plane's Prometheus
// instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	DetectionsTotal  *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	ActionsTotal     *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec
	ConflictsTotal   prometheus.Counter

	WatchedAgents      prometheus.Gauge
	EscalationsPending prometheus.Gauge
	AssignmentDuration prometheus.Histogram
}

// NewMetrics registers all collectors with reg. A nil registerer gets a
// private registry so tests do not pollute the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DetectionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_detections_total",
			Help: "Detection events by kind.",
		}, []string{"kind"}),

		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_decisions_total",
			Help: "Decision outcomes by terminal state.",
		}, []string{"state"}),

		ActionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_actions_total",
			Help: "Executed remediation actions by kind and outcome.",
		}, []string{"action", "outcome"}),

		EscalationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_escalations_total",
			Help: "Escalation lifecycle transitions by status.",
		}, []string{"status"}),

		ConflictsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "warden_conflicts_total",
			Help: "File conflicts raised.",
		}),

		WatchedAgents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "warden_watched_agents",
			Help: "Agents currently under console watch.",
		}),

		EscalationsPending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "warden_escalations_pending",
			Help: "Escalations awaiting human review.",
		}),

		AssignmentDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_assignment_tick_duration_seconds",
			Help:    "Duration of one assignment loop tick.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
}
