package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestMetrics_RecordsPipelineEvents(t *testing.T) {
	m := New()
	m.MessageSeen("discord")
	m.MessageSeen("discord")
	m.GateDecision("direct_mention", true)
	m.Completion(OutcomeFallback, 2*time.Second)
	m.MemoryRecords(7)
	m.MemoryWriteError()
	m.BusDropped("inbound")

	families := gather(t, m)

	seen := families["stefan_messages_seen_total"]
	require.NotNil(t, seen)
	assert.Equal(t, 2.0, seen.GetMetric()[0].GetCounter().GetValue())

	gate := families["stefan_gate_decisions_total"]
	require.NotNil(t, gate)
	labels := map[string]string{}
	for _, l := range gate.GetMetric()[0].GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	assert.Equal(t, map[string]string{"reason": "direct_mention", "respond": "true"}, labels)

	assert.Equal(t, 7.0, families["stefan_memory_records"].GetMetric()[0].GetGauge().GetValue())
	assert.EqualValues(t, 1, families["stefan_completion_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
	assert.Equal(t, 1.0, families["stefan_memory_write_errors_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["stefan_bus_dropped_total"].GetMetric()[0].GetCounter().GetValue())
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageSeen("x")
		m.GateDecision("x", false)
		m.Completion(OutcomeSuccess, time.Second)
		m.MemoryRecords(1)
		m.MemoryWriteError()
		m.BusDropped("outbound")
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Completion(OutcomeSuccess, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `stefan_completions_total{outcome="success"} 1`)
}
