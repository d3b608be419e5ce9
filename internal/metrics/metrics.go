// Package metrics exposes Prometheus collectors for evaluations and
// recorded host calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.starlark.net/starlark"

	"github.com/hosttrace/hosttrace/hostcall"
)

type Metrics struct {
	registry    *prometheus.Registry
	evaluations *prometheus.CounterVec
	duration    prometheus.Histogram
	hostCalls   *prometheus.CounterVec
}

// New returns collectors registered on a fresh registry, together with
// the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hosttrace_evaluations_total",
				Help: "Programs evaluated, by outcome",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hosttrace_evaluation_duration_seconds",
				Help:    "Time spent evaluating a program",
				Buckets: prometheus.DefBuckets,
			},
		),
		hostCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hosttrace_host_calls_total",
				Help: "Host calls made directly by programs",
			},
			[]string{"method"},
		),
	}
	m.registry.MustRegister(
		m.evaluations, m.duration, m.hostCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records one evaluation.
func (m *Metrics) Observe(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.evaluations.WithLabelValues(status).Inc()
	m.duration.Observe(d.Seconds())
}

// Recorder counts host calls by receiver and method.
func (m *Metrics) Recorder() hostcall.Recorder {
	return hostcall.RecorderFunc(func(_ *starlark.Thread, call hostcall.Call) {
		m.hostCalls.WithLabelValues(call.Receiver + "." + call.Method).Inc()
	})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
