// Package metrics exposes Prometheus collectors for the orchestrator:
// provider request counts and latency, circuit breaker state, job engine
// throughput, and cache hit ratios. Collectors live on a package-level
// registry guarded by a mutex so tests can Reset() between cases, the same
// shape the teacher's redfish metrics package uses.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	providerRequests        *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerRetries         *prometheus.CounterVec
	circuitBreakerState     *prometheus.GaugeVec
	circuitBreakerTrips     *prometheus.CounterVec
	jobsDispatched          *prometheus.CounterVec
	jobsDuration            *prometheus.HistogramVec
	cacheHits               *prometheus.CounterVec
	cacheMisses             *prometheus.CounterVec
	healthProbes            *prometheus.CounterVec
	webhookDeliveries       *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveProviderRequest records a completed Provider HTTP request attempt.
// code is the HTTP status code; negative values indicate a transport error.
func ObserveProviderRequest(endpoint, method string, code int, duration time.Duration) {
	status := "error"
	if code >= 0 {
		status = http.StatusText(code)
		if status == "" {
			status = "unknown"
		}
	}
	mu.RLock()
	defer mu.RUnlock()
	if providerRequests != nil {
		providerRequests.WithLabelValues(endpoint, method, status).Inc()
	}
	if providerRequestDuration != nil {
		providerRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	}
}

// IncProviderRetry increments the retry counter for a logical endpoint.
func IncProviderRetry(endpoint string) {
	mu.RLock()
	defer mu.RUnlock()
	if providerRetries != nil {
		providerRetries.WithLabelValues(endpoint).Inc()
	}
}

// SetCircuitBreakerState records the current state (0=closed,1=half_open,2=open)
// for a logical endpoint.
func SetCircuitBreakerState(endpoint string, state int) {
	mu.RLock()
	defer mu.RUnlock()
	if circuitBreakerState != nil {
		circuitBreakerState.WithLabelValues(endpoint).Set(float64(state))
	}
}

// IncCircuitBreakerTrip records a CLOSED/HALF_OPEN -> OPEN transition.
func IncCircuitBreakerTrip(endpoint string) {
	mu.RLock()
	defer mu.RUnlock()
	if circuitBreakerTrips != nil {
		circuitBreakerTrips.WithLabelValues(endpoint).Inc()
	}
}

// ObserveJob records a completed job dispatch.
func ObserveJob(jobType, outcome string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsDispatched != nil {
		jobsDispatched.WithLabelValues(jobType, outcome).Inc()
	}
	if jobsDuration != nil {
		jobsDuration.WithLabelValues(jobType).Observe(duration.Seconds())
	}
}

// IncCacheHit / IncCacheMiss record a cache lookup outcome for a named cache.
func IncCacheHit(cacheName string) {
	mu.RLock()
	defer mu.RUnlock()
	if cacheHits != nil {
		cacheHits.WithLabelValues(cacheName).Inc()
	}
}

func IncCacheMiss(cacheName string) {
	mu.RLock()
	defer mu.RUnlock()
	if cacheMisses != nil {
		cacheMisses.WithLabelValues(cacheName).Inc()
	}
}

// ObserveHealthProbe records the outcome of a single endpoint health probe.
func ObserveHealthProbe(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if healthProbes != nil {
		healthProbes.WithLabelValues(outcome).Inc()
	}
}

// ObserveWebhookDelivery records a webhook delivery attempt outcome.
func ObserveWebhookDelivery(event, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(event, outcome).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	providerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Total Provider HTTP requests grouped by endpoint, method, and status.",
	}, []string{"endpoint", "method", "status"})

	providerRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gpuorch",
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Duration of Provider HTTP requests by endpoint and method.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint", "method"})

	providerRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "provider",
		Name:      "retries_total",
		Help:      "Total retry attempts issued against the Provider, by logical endpoint.",
	}, []string{"endpoint"})

	circuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpuorch",
		Subsystem: "provider",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per logical endpoint (0=closed,1=half_open,2=open).",
	}, []string{"endpoint"})

	circuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "provider",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total transitions into the OPEN state, by logical endpoint.",
	}, []string{"endpoint"})

	jobsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "jobs",
		Name:      "dispatched_total",
		Help:      "Total job dispatches by type and outcome.",
	}, []string{"type", "outcome"})

	jobsDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gpuorch",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Duration of a single job handler invocation, by type.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
	}, []string{"type"})

	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total cache hits, by cache name.",
	}, []string{"cache"})

	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total cache misses, by cache name.",
	}, []string{"cache"})

	healthProbes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "health",
		Name:      "probes_total",
		Help:      "Total health check probe attempts, by outcome.",
	}, []string{"outcome"})

	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts, by event and outcome.",
	}, []string{"event", "outcome"})

	registry.MustRegister(
		providerRequests, providerRequestDuration, providerRetries,
		circuitBreakerState, circuitBreakerTrips,
		jobsDispatched, jobsDuration,
		cacheHits, cacheMisses,
		healthProbes, webhookDeliveries,
	)
	reg = registry
}
