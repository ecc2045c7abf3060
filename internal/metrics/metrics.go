// Package metrics exposes idgate's Prometheus instruments.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics dependency without nil checks at every call site.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "idgate"

// Metrics holds all idgate instruments.
type Metrics struct {
	TokenVerifications    *prometheus.CounterVec
	KeySetFetches         *prometheus.CounterVec
	KeySetFetchDuration   prometheus.Histogram
	KeySetRefetchThrottle prometheus.Counter
	ClientSecrets         *prometheus.CounterVec
	IdentityResolutions   *prometheus.CounterVec
	HTTPRequests          *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the instruments and registers them with reg. A nil reg uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		TokenVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_verifications_total",
			Help:      "Identity token verifications by result and the stage that decided it.",
		}, []string{"result", "stage"}),
		KeySetFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyset_fetches_total",
			Help:      "Key-set fetches from the identity provider by result.",
		}, []string{"result"}),
		KeySetFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keyset_fetch_duration_seconds",
			Help:      "Latency of key-set fetches.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		KeySetRefetchThrottle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyset_refetch_throttled_total",
			Help:      "Unknown-kid refetches suppressed by the refetch limiter.",
		}),
		ClientSecrets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_secrets_total",
			Help:      "Client secrets minted by result.",
		}, []string{"result"}),
		IdentityResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_resolutions_total",
			Help:      "Local identity lookups for verified tokens by outcome.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by handler and status code.",
		}, []string{"handler", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.TokenVerifications,
		m.KeySetFetches,
		m.KeySetFetchDuration,
		m.KeySetRefetchThrottle,
		m.ClientSecrets,
		m.IdentityResolutions,
		m.HTTPRequests,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Verification results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultSuccess  = "success"
	ResultError    = "error"
)

// ObserveVerification records one token verification.
func (m *Metrics) ObserveVerification(accepted bool, stage string) {
	if m == nil {
		return
	}
	result := ResultRejected
	if accepted {
		result = ResultAccepted
	}
	m.TokenVerifications.WithLabelValues(result, stage).Inc()
}

// ObserveFetch records one key-set fetch.
func (m *Metrics) ObserveFetch(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.KeySetFetches.WithLabelValues(resultOf(err)).Inc()
	m.KeySetFetchDuration.Observe(d.Seconds())
}

// ObserveRefetchThrottled records a refetch suppressed by the limiter.
func (m *Metrics) ObserveRefetchThrottled() {
	if m == nil {
		return
	}
	m.KeySetRefetchThrottle.Inc()
}

// ObserveClientSecret records one client-secret mint.
func (m *Metrics) ObserveClientSecret(err error) {
	if m == nil {
		return
	}
	m.ClientSecrets.WithLabelValues(resultOf(err)).Inc()
}

// ObserveIdentityResolution records how a verified subject was resolved:
// "subject", "email", "not_found" or "error".
func (m *Metrics) ObserveIdentityResolution(result string) {
	if m == nil {
		return
	}
	m.IdentityResolutions.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(handler string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(handler, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(handler).Observe(d.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
