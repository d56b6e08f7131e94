// Package metrics holds the prometheus collectors for the decision core.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reflexcore"

// #region collectors
// Metrics is one set of collectors bound to a registry.
type Metrics struct {
	reg prometheus.Registerer

	// decisions counts completed cycles.
	// Labels: path (fast, slow, failsafe), explored (true, false)
	decisions *prometheus.CounterVec

	// latency measures a decision cycle up to dispatch.
	// Labels: path
	latency *prometheus.HistogramVec

	// failsafes counts failsafe routes.
	// Labels: cause (evaluation, rejected, no_executor, execute_error, timeout)
	failsafes *prometheus.CounterVec

	// verdicts counts guardian verdicts.
	// Labels: kind, result (accepted, rejected), reason
	verdicts *prometheus.CounterVec

	// reflex counts fast path lookups.
	// Labels: result (hit, miss)
	reflex *prometheus.CounterVec

	appends prometheus.Counter

	// exports counts archived records.
	// Labels: result (written, dropped, failed)
	exports *prometheus.CounterVec

	consolidations prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "decisions_total",
			Help:      "Decisions by path",
		}, []string{"path", "explored"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "decision_seconds",
			Help:      "Decision latency up to dispatch in seconds",
			Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2, 5e-2},
		}, []string{"path"}),
		failsafes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "failsafe_total",
			Help:      "Failsafe routes by cause",
		}, []string{"cause"}),
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "verdicts_total",
			Help:      "Guardian verdicts by kind, result and reason",
		}, []string{"kind", "result", "reason"}),
		reflex: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reflex",
			Name:      "lookups_total",
			Help:      "Reflex cache resolutions by result",
		}, []string{"result"}),
		appends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event_log",
			Name:      "appends_total",
			Help:      "Experiences appended to the event log",
		}),
		exports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "records_total",
			Help:      "Archived records by result",
		}, []string{"result"}),
		consolidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "passes_total",
			Help:      "Completed consolidation passes",
		}),
	}
}

// #endregion collectors

// #region record
// ObserveDecision records one completed decision.
func (m *Metrics) ObserveDecision(path string, explored bool, took time.Duration) {
	if m == nil {
		return
	}
	exp := "false"
	if explored {
		exp = "true"
	}
	m.decisions.WithLabelValues(path, exp).Inc()
	m.latency.WithLabelValues(path).Observe(took.Seconds())
}

// ObserveFailsafe records a failsafe route.
func (m *Metrics) ObserveFailsafe(cause string) {
	if m == nil {
		return
	}
	m.failsafes.WithLabelValues(cause).Inc()
}

// ObserveVerdict implements guardian.Observer.
func (m *Metrics) ObserveVerdict(kind string, accepted bool, reason string) {
	if m == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.verdicts.WithLabelValues(kind, result, reason).Inc()
}

// ObserveReflex records a cache resolution.
func (m *Metrics) ObserveReflex(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.reflex.WithLabelValues("hit").Inc()
	} else {
		m.reflex.WithLabelValues("miss").Inc()
	}
}

// ObserveAppend records an event log append.
func (m *Metrics) ObserveAppend() {
	if m == nil {
		return
	}
	m.appends.Inc()
}

// ObserveExport records archive results.
func (m *Metrics) ObserveExport(written, dropped, failed int) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues("written").Add(float64(written))
	m.exports.WithLabelValues("dropped").Add(float64(dropped))
	m.exports.WithLabelValues("failed").Add(float64(failed))
}

// ObserveConsolidation records a finished pass.
func (m *Metrics) ObserveConsolidation() {
	if m == nil {
		return
	}
	m.consolidations.Inc()
}

// Watch registers a gauge sampled from fn at scrape time, for values the
// owning component already tracks (log length, cache entries).
func (m *Metrics) Watch(subsystem, name, help string, fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// #endregion record
