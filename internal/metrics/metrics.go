// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/thesisgate/internal/provider"
)

const namespace = "thesisgate"

// Metrics groups every instrument the gateway records. A nil *Metrics is
// valid and records nothing, so libraries can run without a registry.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	tokens         *prometheus.CounterVec
	rateLimitWait  *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	keyValidations *prometheus.CounterVec
}

// New registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Chat requests by provider, mode and outcome kind.",
			},
			[]string{"provider", "mode", "outcome"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end chat request latency, retries included.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"provider", "mode"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens reported by providers.",
			},
			[]string{"provider", "type"},
		),
		rateLimitWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rate_limit_wait_seconds",
				Help:      "Time spent waiting for a rate limiter slot.",
				Buckets:   []float64{0, 0.1, 1, 5, 15, 30, 60},
			},
			[]string{"provider"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retry attempts after a retryable provider error.",
			},
			[]string{"provider", "kind"},
		),
		fallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_fallbacks_total",
				Help:      "Model substitutions by reason (estimate or capacity_error).",
			},
			[]string{"provider", "from", "to", "reason"},
		),
		keyValidations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_validations_total",
				Help:      "API key validations by verdict and cache use.",
			},
			[]string{"provider", "valid", "cached"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records one finished chat call. err's kind becomes the
// outcome label; nil is "success".
func (m *Metrics) ObserveRequest(p provider.ID, stream bool, d time.Duration, err error) {
	if m == nil {
		return
	}
	mode := "buffered"
	if stream {
		mode = "stream"
	}
	outcome := "success"
	if err != nil {
		outcome = provider.KindOf(err).String()
	}
	m.requests.WithLabelValues(string(p), mode, outcome).Inc()
	m.latency.WithLabelValues(string(p), mode).Observe(d.Seconds())
}

// ObserveUsage adds provider-reported token counts.
func (m *Metrics) ObserveUsage(p provider.ID, u provider.Usage) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(string(p), "prompt").Add(float64(u.PromptTokens))
	m.tokens.WithLabelValues(string(p), "completion").Add(float64(u.CompletionTokens))
}

// ObserveRateLimitWait records the time spent queued on a limiter.
func (m *Metrics) ObserveRateLimitWait(p provider.ID, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.WithLabelValues(string(p)).Observe(d.Seconds())
}

// IncRetry counts one retry.
func (m *Metrics) IncRetry(p provider.ID, err error) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(p), provider.KindOf(err).String()).Inc()
}

// IncFallback counts one model substitution.
func (m *Metrics) IncFallback(p provider.ID, from, to, reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(string(p), from, to, reason).Inc()
}

// IncKeyValidation counts one key verdict.
func (m *Metrics) IncKeyValidation(p provider.ID, valid, cached bool) {
	if m == nil {
		return
	}
	m.keyValidations.WithLabelValues(string(p), strconv.FormatBool(valid), strconv.FormatBool(cached)).Inc()
}
