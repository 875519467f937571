// Package metrics exposes Prometheus instrumentation for the extraction
// service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the service records into.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	LLMRequests   *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
}

// New builds a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractions_total",
			Help: "Extraction jobs by terminal status.",
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extraction_stage_duration_seconds",
			Help:    "Wall-clock duration of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Model requests by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "extraction_queue_depth",
			Help: "Jobs currently waiting across all user queues.",
		}),
	}

	reg.MustRegister(m.JobsTotal, m.StageDuration, m.LLMRequests, m.QueueDepth)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
