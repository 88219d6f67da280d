// Package metrics provides Prometheus metrics collection for the login flow.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common labels used across metrics.
const (
	LabelProvider = "provider"
	LabelOutcome  = "outcome"
	LabelMethod   = "method"
	LabelPath     = "path"
	LabelStatus   = "status"
)

// Outcome label values for login resolution.
const (
	OutcomeLogin      = "login"
	OutcomeRegistered = "registered"
	OutcomeLinked     = "linked"
	OutcomeError      = "error"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	serviceName string
	registry    *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Login-flow metrics
	loginResolutionsTotal   *prometheus.CounterVec
	registrationsTotal      *prometheus.CounterVec
	usernameCollisionsTotal prometheus.Counter
	avatarFetchFailures     *prometheus.CounterVec
	providerExchangeTime    *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	ServiceName string
	Namespace   string
}

// New creates a new Metrics instance.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "socialgate"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		serviceName: cfg.ServiceName,
		registry:    registry,
	}

	factory := promauto.With(registry)

	m.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{LabelMethod, LabelPath, LabelStatus},
	)

	m.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelPath, LabelStatus},
	)

	m.loginResolutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "login_resolutions_total",
			Help:      "Total number of resolved provider callbacks by outcome.",
		},
		[]string{LabelProvider, LabelOutcome},
	)

	m.registrationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "registrations_total",
			Help:      "Total number of local identities created from provider profiles.",
		},
		[]string{LabelProvider},
	)

	m.usernameCollisionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "username_collisions_total",
			Help:      "Total number of username candidates rejected as taken.",
		},
	)

	m.avatarFetchFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "avatar_fetch_failures_total",
			Help:      "Total number of failed avatar downloads.",
		},
		[]string{LabelProvider},
	)

	m.providerExchangeTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "provider_exchange_duration_seconds",
			Help:      "Latency of the provider code exchange in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelProvider},
	)

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordResolution records the outcome of a resolved provider callback.
func (m *Metrics) RecordResolution(provider, outcome string) {
	m.loginResolutionsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordRegistration records a created local identity.
func (m *Metrics) RecordRegistration(provider string) {
	m.registrationsTotal.WithLabelValues(provider).Inc()
}

// RecordUsernameCollision records a rejected username candidate.
func (m *Metrics) RecordUsernameCollision() {
	m.usernameCollisionsTotal.Inc()
}

// RecordAvatarFetchFailure records a failed avatar download.
func (m *Metrics) RecordAvatarFetchFailure(provider string) {
	m.avatarFetchFailures.WithLabelValues(provider).Inc()
}

// RecordProviderExchange records the latency of a provider code exchange.
func (m *Metrics) RecordProviderExchange(provider string, duration time.Duration) {
	m.providerExchangeTime.WithLabelValues(provider).Observe(duration.Seconds())
}
