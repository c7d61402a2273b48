// Package metrics exposes Prometheus instrumentation for dispatches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zen_gateway"

// Outcome labels
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Recorder holds the gateway's collectors on a private registry. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry  *prometheus.Registry
	dispatch  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	tokens    *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	inflight  prometheus.Gauge
}

// New creates a recorder with process and Go runtime collectors registered
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatches by provider kind, mode and outcome.",
		}, []string{"kind", "mode", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind", "mode"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens by provider kind and direction; estimated counts included.",
		}, []string{"kind", "direction", "source"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Degraded paths taken: demo responder or stream-to-buffered fallback.",
		}, []string{"reason"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_inflight",
			Help:      "Dispatches currently running.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.dispatch, r.latency, r.tokens, r.fallbacks, r.inflight,
	)
	return r
}

// Registry exposes the registry, mainly for tests
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Start marks a dispatch as in flight; call the returned func when it ends
func (r *Recorder) Start() func() {
	if r == nil {
		return func() {}
	}
	r.inflight.Inc()
	return r.inflight.Dec
}

// ObserveDispatch records one finished dispatch
func (r *Recorder) ObserveDispatch(kind, mode, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.dispatch.WithLabelValues(kind, mode, outcome).Inc()
	r.latency.WithLabelValues(kind, mode).Observe(elapsed.Seconds())
}

// ObserveTokens records token usage for one dispatch
func (r *Recorder) ObserveTokens(kind string, input, output int, estimated bool) {
	if r == nil {
		return
	}
	source := "reported"
	if estimated {
		source = "estimated"
	}
	r.tokens.WithLabelValues(kind, "input", source).Add(float64(input))
	r.tokens.WithLabelValues(kind, "output", source).Add(float64(output))
}

// ObserveFallback records a degraded path
func (r *Recorder) ObserveFallback(reason string) {
	if r == nil {
		return
	}
	r.fallbacks.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus text format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
