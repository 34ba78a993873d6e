// Package metrics exposes Prometheus counters for the reply pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stefan"

// Completion outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFallback = "fallback"
)

// Metrics owns a private registry. A nil *Metrics is valid and records
// nothing, so callers never need to guard their observations.
type Metrics struct {
	reg *prometheus.Registry

	messagesSeen      *prometheus.CounterVec
	gateDecisions     *prometheus.CounterVec
	completions       *prometheus.CounterVec
	completionLatency prometheus.Histogram
	memoryRecords     prometheus.Gauge
	memoryWriteErrors prometheus.Counter
	busDropped        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.messagesSeen = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_seen_total",
		Help:      "Inbound chat messages seen, by channel.",
	}, []string{"channel"})
	m.gateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_decisions_total",
		Help:      "Response gate decisions, by reason and outcome.",
	}, []string{"reason", "respond"})
	m.completions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "completions_total",
		Help:      "Completion calls, by outcome.",
	}, []string{"outcome"})
	m.completionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "completion_duration_seconds",
		Help:      "Completion call latency in seconds.",
		Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60},
	})
	m.memoryRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_records",
		Help:      "Records in the memory store after the last write.",
	})
	m.memoryWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "memory_write_errors_total",
		Help:      "Failed memory store updates.",
	})
	m.busDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_dropped_total",
		Help:      "Messages dropped by the message bus, by direction.",
	}, []string{"direction"})

	m.reg.MustRegister(
		m.messagesSeen,
		m.gateDecisions,
		m.completions,
		m.completionLatency,
		m.memoryRecords,
		m.memoryWriteErrors,
		m.busDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSeen(channel string) {
	if m == nil {
		return
	}
	m.messagesSeen.WithLabelValues(channel).Inc()
}

func (m *Metrics) GateDecision(reason string, respond bool) {
	if m == nil {
		return
	}
	r := "false"
	if respond {
		r = "true"
	}
	m.gateDecisions.WithLabelValues(reason, r).Inc()
}

func (m *Metrics) Completion(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(outcome).Inc()
	m.completionLatency.Observe(took.Seconds())
}

func (m *Metrics) MemoryRecords(n int) {
	if m == nil {
		return
	}
	m.memoryRecords.Set(float64(n))
}

func (m *Metrics) MemoryWriteError() {
	if m == nil {
		return
	}
	m.memoryWriteErrors.Inc()
}

func (m *Metrics) BusDropped(direction string) {
	if m == nil {
		return
	}
	m.busDropped.WithLabelValues(direction).Inc()
}
