package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// metrics groups the collectors exported on /metrics. Each server owns its
// registry so several servers can coexist in one process.
type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inference       *prometheus.HistogramVec
	cache           *prometheus.CounterVec
	rejected        prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lesionseg_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lesionseg_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		inference: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lesionseg_inference_duration_seconds",
				Help:    "Duration of model calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		cache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lesionseg_cache_lookups_total",
				Help: "Result cache lookups by outcome",
			},
			[]string{"endpoint", "result"},
		),
		rejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lesionseg_queue_rejections_total",
				Help: "Requests rejected because the inference queue was full",
			},
		),
	}
	m.registry.MustRegister(
		m.requests, m.requestDuration, m.inference, m.cache, m.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
