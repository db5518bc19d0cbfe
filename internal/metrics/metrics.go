// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "roundtable"

// Metrics groups the collectors recorded by the orchestrator. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	startRejections  *prometheus.CounterVec
	roleFallbacks    *prometheus.CounterVec
	providerCalls    *prometheus.HistogramVec
	qualityScore     prometheus.Histogram
}

// New creates collectors registered on a fresh registry, including Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions accepted by start.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal status.",
		}, []string{"status"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently pending or running.",
		}),
		startRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "start_rejections_total",
			Help:      "Start calls rejected, by reason.",
		}, []string{"reason"}),
		roleFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_fallbacks_total",
			Help:      "Role tasks that used the heuristic fallback after exhausting retries.",
		}, []string{"role"}),
		providerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of individual provider calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"role", "outcome"}),
		qualityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_quality_score",
			Help:      "Quality score of completed sessions.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
	}
	reg.MustRegister(
		m.sessionsStarted,
		m.sessionsFinished,
		m.sessionsActive,
		m.startRejections,
		m.roleFallbacks,
		m.providerCalls,
		m.qualityScore,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// SessionStarted records an accepted session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.sessionsActive.Inc()
}

// SessionFinished records a terminal session.
func (m *Metrics) SessionFinished(status string, quality float64) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsFinished.WithLabelValues(status).Inc()
	if status == "completed" {
		m.qualityScore.Observe(quality)
	}
}

// StartRejected records a rejected start call.
func (m *Metrics) StartRejected(reason string) {
	if m == nil {
		return
	}
	m.startRejections.WithLabelValues(reason).Inc()
}

// RoleFallback records a role that used the fallback result.
func (m *Metrics) RoleFallback(role string) {
	if m == nil {
		return
	}
	m.roleFallbacks.WithLabelValues(role).Inc()
}

// ProviderCall records the latency of one provider call.
func (m *Metrics) ProviderCall(role, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(role, outcome).Observe(d.Seconds())
}
