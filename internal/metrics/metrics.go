// Package metrics publishes Prometheus counters for the gateway's fetch
// strategies and lifecycle stages. A nil *Recorder is a valid no-op so the
// router can run without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch strategies as exposed in the "strategy" label.
const (
	StrategyNetworkFirst = "network_first"
	StrategyCacheFirst   = "cache_first"
	StrategyPassthrough  = "passthrough"
)

// Fetch outcomes as exposed in the "outcome" label.
const (
	OutcomeCacheHit    = "cache_hit"
	OutcomeNetwork     = "network"
	OutcomeOffline     = "offline"
	OutcomePassthrough = "passthrough"
)

// Recorder publishes Prometheus metrics for fetch routing and lifecycle work.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchTotal        *prometheus.CounterVec
	precacheFailures  prometheus.Counter
	generationsPruned prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "fetch",
		Name:      "events_total",
		Help:      "Intercepted fetch events by routing strategy and outcome.",
	}, []string{"strategy", "outcome"})

	precacheFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "lifecycle",
		Name:      "precache_failures_total",
		Help:      "Manifest assets that failed to precache during install.",
	})

	generationsPruned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "lifecycle",
		Name:      "generations_pruned_total",
		Help:      "Stale cache generations deleted during activation.",
	})

	reg.MustRegister(fetchTotal, precacheFailures, generationsPruned)

	return &Recorder{
		gatherer:          reg,
		handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		fetchTotal:        fetchTotal,
		precacheFailures:  precacheFailures,
		generationsPruned: generationsPruned,
	}
}

// Handler exposes the /metrics scrape endpoint for this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return r.handler
}

// ObserveFetch counts one routed fetch event.
func (r *Recorder) ObserveFetch(strategy, outcome string) {
	if r == nil {
		return
	}
	r.fetchTotal.WithLabelValues(strategy, outcome).Inc()
}

// PrecacheFailure counts one manifest asset that failed during install.
func (r *Recorder) PrecacheFailure() {
	if r == nil {
		return
	}
	r.precacheFailures.Inc()
}

// GenerationsPruned counts namespaces deleted during activation.
func (r *Recorder) GenerationsPruned(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.generationsPruned.Add(float64(n))
}
