package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors on a private registry.
type Metrics struct {
	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	upstream  *prometheus.HistogramVec
	downloads *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notegate",
			Subsystem: "broker",
			Name:      "events_total",
			Help:      "Authorization broker events by stage and outcome.",
		}, []string{"stage", "outcome"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notegate",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Latency of calls to the upstream identity provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"call"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notegate",
			Name:      "downloads_total",
			Help:      "Download requests by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.events,
		m.upstream,
		m.downloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Event counts one broker outcome at stage.
func (m *Metrics) Event(stage, outcome string) {
	m.events.WithLabelValues(stage, outcome).Inc()
}

// ObserveUpstream records the duration of an upstream call started at start.
func (m *Metrics) ObserveUpstream(call string, start time.Time) {
	m.upstream.WithLabelValues(call).Observe(time.Since(start).Seconds())
}

// Download counts one download outcome.
func (m *Metrics) Download(outcome string) {
	m.downloads.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
