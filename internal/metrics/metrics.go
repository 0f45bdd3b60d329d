// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace      = "tts_gateway"
	outcomeSuccess = "success"
)

// Metrics holds every instrument. The zero value is not usable; use New.
type Metrics struct {
	registry prometheus.Gatherer

	providerAttempts   *prometheus.CounterVec
	creditsConsumed    *prometheus.CounterVec
	generations        *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generationChunks   prometheus.Histogram
	poolHeadroom       *prometheus.GaugeVec
	poolCredentials    *prometheus.GaugeVec
	quotaResets        prometheus.Counter
}

// New registers the instruments on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return NewWithRegistry(registry, registry)
}

// NewWithRegistry registers the instruments on registerer and serves them
// from gatherer.
func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		registry: gatherer,

		providerAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Provider call attempts by outcome",
			},
			[]string{"outcome"},
		),

		creditsConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_consumed_total",
				Help:      "Provider credits charged to pool credentials",
			},
			[]string{"tier"},
		),

		generations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generations_total",
				Help:      "Finished generations by status",
			},
			[]string{"status", "model"},
		),

		generationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Wall-clock time of a generation",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"status"},
		),

		generationChunks: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_chunks",
				Help:      "Number of chunks per generation",
				Buckets:   prometheus.LinearBuckets(1, 2, 10),
			},
		),

		poolHeadroom: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_headroom_credits",
				Help:      "Remaining credits across active credentials",
			},
			[]string{"tier"},
		),

		poolCredentials: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_credentials",
				Help:      "Credentials in the pool by tier and status",
			},
			[]string{"tier", "status"},
		),

		quotaResets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_resets_total",
				Help:      "Periodic quota resets performed",
			},
		),
	}
}

// ObserveAttempt counts one provider attempt. An empty kind is a success.
func (m *Metrics) ObserveAttempt(kind core.ErrorKind) {
	outcome := string(kind)
	if outcome == "" {
		outcome = outcomeSuccess
	}

	m.providerAttempts.WithLabelValues(outcome).Inc()
}

// ObserveUsage adds credits charged to a credential of tier.
func (m *Metrics) ObserveUsage(tier core.Tier, credits int64) {
	m.creditsConsumed.WithLabelValues(string(tier)).Add(float64(credits))
}

// ObserveGeneration records a finished generation.
func (m *Metrics) ObserveGeneration(result *core.GenerationResult, modelID string) {
	status := string(result.Status)

	m.generations.WithLabelValues(status, modelID).Inc()
	m.generationDuration.WithLabelValues(status).Observe(result.ProcessingTime.Seconds())

	if result.Succeeded() {
		m.generationChunks.Observe(float64(len(result.Chunks)))
	}
}

// ObservePool replaces the pool gauges with a snapshot of credentials.
func (m *Metrics) ObservePool(credentials []core.Credential) {
	m.poolHeadroom.Reset()
	m.poolCredentials.Reset()

	for _, credential := range credentials {
		tier := string(credential.Tier)

		m.poolCredentials.WithLabelValues(tier, string(credential.Status)).Inc()

		if credential.Status == core.StatusActive {
			m.poolHeadroom.WithLabelValues(tier).Add(float64(max(0, credential.Headroom())))
		}
	}
}

// ObserveQuotaReset counts a periodic reset.
func (m *Metrics) ObserveQuotaReset() {
	m.quotaResets.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
