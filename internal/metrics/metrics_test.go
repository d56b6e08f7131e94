package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDecision("fast", false, time.Microsecond)
	m.ObserveDecision("fast", false, time.Microsecond)
	m.ObserveDecision("slow", true, time.Millisecond)
	m.ObserveFailsafe("timeout")
	m.ObserveVerdict("modify_confidence", false, "immutable")
	m.ObserveVerdict("modify_confidence", true, "")
	m.ObserveReflex(true)
	m.ObserveReflex(false)
	m.ObserveReflex(false)
	m.ObserveAppend()
	m.ObserveExport(10, 2, 1)
	m.ObserveConsolidation()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("fast", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("slow", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failsafes.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("modify_confidence", "rejected", "immutable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("modify_confidence", "accepted", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reflex.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.appends))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.exports.WithLabelValues("written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.consolidations))
}

func TestWatchGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	v := 3.0
	m.Watch("event_log", "entries", "Entries held", func() float64 { return v })

	n, err := testutil.GatherAndCount(reg, "reflexcore_event_log_entries")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("fast", false, time.Second)
		m.ObserveFailsafe("x")
		m.ObserveVerdict("k", true, "")
		m.ObserveReflex(true)
		m.ObserveAppend()
		m.ObserveExport(1, 1, 1)
		m.ObserveConsolidation()
		m.Watch("a", "b", "c", func() float64 { return 0 })
	})
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
