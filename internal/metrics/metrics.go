// Package metrics collects Prometheus metrics for manifest operations,
// panel sessions, registry requests and the panel server.
//
// Every method is safe to call on a nil *Metrics, so components can take an
// optional collector without guarding each call.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/git-pkgs/pkgref/client"
	"github.com/git-pkgs/pkgref/internal/core"
)

// Config configures the collector.
type Config struct {
	// Namespace prefixes every metric name (default: "pkgref").
	Namespace string

	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets
	Buckets []float64
}

// Option configures the collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// Metrics holds the registered collectors.
type Metrics struct {
	storeOps         *prometheus.CounterVec
	storeDuration    *prometheus.HistogramVec
	openSessions     prometheus.Gauge
	sessionEvents    *prometheus.CounterVec
	registryRequests *prometheus.CounterVec
	registryDuration *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers the collectors with reg. Pass a fresh prometheus.NewRegistry()
// in tests so repeated construction does not collide.
func New(reg prometheus.Registerer, opts ...Option) *Metrics {
	cfg := Config{Namespace: "pkgref", Buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(reg)

	return &Metrics{
		storeOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Manifest operations by kind and result",
		}, []string{"op", "result"}),

		storeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Manifest operation duration in seconds",
			Buckets:   cfg.Buckets,
		}, []string{"op"}),

		openSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "view",
			Name:      "open_sessions",
			Help:      "Number of open manifest panels",
		}),

		sessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "view",
			Name:      "session_events_total",
			Help:      "Panel lifecycle events by kind",
		}, []string{"event"}),

		registryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "registry",
			Name:      "requests_total",
			Help:      "Registry HTTP requests by host and status code",
		}, []string{"host", "code"}),

		registryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "registry",
			Name:      "request_duration_seconds",
			Help:      "Registry request duration in seconds",
			Buckets:   cfg.Buckets,
		}, []string{"host"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Panel server requests by route, method and status code",
		}, []string{"route", "method", "code"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Panel server request duration in seconds",
			Buckets:   cfg.Buckets,
		}, []string{"route"}),
	}
}

// ObserveStore records one manifest operation.
func (m *Metrics) ObserveStore(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(op, Result(err)).Inc()
	m.storeDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// SessionOpened records a new panel session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.openSessions.Inc()
	m.sessionEvents.WithLabelValues("open").Inc()
}

// SessionClosed records a disposed panel session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.openSessions.Dec()
	m.sessionEvents.WithLabelValues("dispose").Inc()
}

// SessionEvent counts a lifecycle event such as "rebuild" or "stale".
func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

// RegistryObserver returns a client.Observer feeding the registry metrics.
func (m *Metrics) RegistryObserver() client.Observer {
	return func(host string, status int, elapsed time.Duration, err error) {
		if m == nil {
			return
		}
		code := strconv.Itoa(status)
		if status == 0 {
			code = "error"
		}
		m.registryRequests.WithLabelValues(host, code).Inc()
		m.registryDuration.WithLabelValues(host).Observe(elapsed.Seconds())
	}
}

// ObserveHTTP records one panel server request.
func (m *Metrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Result classifies an operation error into a low-cardinality label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrInvalidReference):
		return "invalid"
	case errors.Is(err, core.ErrParse):
		return "parse"
	case errors.Is(err, core.ErrIO):
		return "io"
	case errors.Is(err, core.ErrNetwork):
		return "network"
	default:
		return "error"
	}
}
