// Package metrics exposes Prometheus collectors for the deposit engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deposits"

// Sweep outcomes.
const (
	SweepSucceeded = "success"
	SweepDeferred  = "deferred"
	SweepFailed    = "failed"
)

// Metrics holds the engine's collectors on a private registry. All methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	observed        *prometheus.CounterVec
	settled         *prometheus.CounterVec
	declined        *prometheus.CounterVec
	expired         *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	pipelineRuns    prometheus.Counter
	pipelineLatency prometheus.Histogram
	openSessions    prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		observed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "observed_total",
			Help:      "Sessions for which a matching chain transfer was first observed.",
		}, []string{"chain"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "settled_total",
			Help:      "Sessions confirmed and credited.",
		}, []string{"chain"}),
		declined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "declined_total",
			Help:      "Sessions declined, by reason.",
		}, []string{"chain", "reason"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "expired_total",
			Help:      "Sessions closed by the expiry job, by resulting status.",
		}, []string{"chain", "status"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeps",
			Name:      "attempts_total",
			Help:      "Sweep attempts by outcome.",
		}, []string{"chain", "result"}),
		pipelineRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Completed pipeline ticks.",
		}),
		pipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "open_sessions",
			Help:      "Open sessions seen by the last pipeline tick.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.observed, m.settled, m.declined, m.expired, m.sweeps,
		m.pipelineRuns, m.pipelineLatency, m.openSessions,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Observed(chain string) {
	if m == nil {
		return
	}
	m.observed.WithLabelValues(chain).Inc()
}

func (m *Metrics) Settled(chain string) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(chain).Inc()
}

func (m *Metrics) Declined(chain, reason string) {
	if m == nil {
		return
	}
	m.declined.WithLabelValues(chain, reason).Inc()
}

func (m *Metrics) Expired(chain, status string) {
	if m == nil {
		return
	}
	m.expired.WithLabelValues(chain, status).Inc()
}

func (m *Metrics) Sweep(chain, result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(chain, result).Inc()
}

// PipelineRun records one pipeline tick.
func (m *Metrics) PipelineRun(open int, took time.Duration) {
	if m == nil {
		return
	}
	m.pipelineRuns.Inc()
	m.pipelineLatency.Observe(took.Seconds())
	m.openSessions.Set(float64(open))
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
