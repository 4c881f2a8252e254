// Package metrics exposes Prometheus counters for dispatched requests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMBuckets spans 100ms to 2 minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

const unknownModel = "unknown"

// Recorder records request outcomes. It satisfies the router's Observer.
type Recorder struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	streams  prometheus.Gauge
}

// New registers the gateway metrics on a private registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Dispatched requests by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Dispatch duration, including the full stream",
				Buckets: LLMBuckets,
			},
			[]string{"model"},
		),
		streams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_streams_active",
				Help: "Streams currently being written to clients",
			},
		),
	}
	r.registry.MustRegister(r.requests, r.duration, r.streams)
	return r
}

// ObserveRequest records one finished dispatch.
func (r *Recorder) ObserveRequest(model string, start time.Time, success bool) {
	if model == "" {
		model = unknownModel
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	r.requests.WithLabelValues(model, outcome).Inc()
	r.duration.WithLabelValues(model).Observe(time.Since(start).Seconds())
}

// StreamStarted marks a stream as in flight. The returned func ends it.
func (r *Recorder) StreamStarted() func() {
	r.streams.Inc()
	return r.streams.Dec
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
