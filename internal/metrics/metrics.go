// Package metrics holds the Prometheus collectors for the gateway. One Set
// is created at startup and handed to the pipeline, the health monitor and
// the HTTP server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/relaymeter/relaymeter-gateway/internal/health"
)

// Set bundles every collector behind one registry.
type Set struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	fallbackDepth   prometheus.Histogram
	debitsTotal     *prometheus.CounterVec
	creditsSpent    prometheus.Counter
	refundsTotal    prometheus.Counter
	providerHealth  *prometheus.GaugeVec
	cacheLookups    *prometheus.CounterVec
}

// New registers all gateway collectors on a fresh registry.
func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_requests_total",
			Help: "Provider attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_provider_request_seconds",
			Help:    "Provider attempt latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		fallbackDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_fallback_depth",
			Help:    "Index of the candidate that served each successful request.",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		}),
		debitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ledger_debits_total",
			Help: "Committed debits by funding source.",
		}, []string{"source"}),
		creditsSpent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ledger_credits_spent_total",
			Help: "Sum of platform-funded credits debited.",
		}),
		refundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ledger_refunds_total",
			Help: "Committed refund credits.",
		}),
		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_health",
			Help: "Provider status: 0 unknown, 1 healthy, 2 degraded, 3 down.",
		}, []string{"provider"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_balance_cache_lookups_total",
			Help: "Balance cache lookups by result.",
		}, []string{"result"}),
	}
	s.registry.MustRegister(
		s.requestsTotal, s.requestDuration, s.fallbackDepth,
		s.debitsTotal, s.creditsSpent, s.refundsTotal,
		s.providerHealth, s.cacheLookups,
	)
	return s
}

// Handler serves the registry in the Prometheus text format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RequestServed implements the pipeline observer.
func (s *Set) RequestServed(provider, outcome string, elapsed time.Duration) {
	s.requestsTotal.WithLabelValues(provider, outcome).Inc()
	s.requestDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// FallbackDepth implements the pipeline observer.
func (s *Set) FallbackDepth(depth int) {
	s.fallbackDepth.Observe(float64(depth))
}

// DebitCommitted implements the pipeline observer.
func (s *Set) DebitCommitted(amount decimal.Decimal, byok bool) {
	source := "platform"
	if byok {
		source = "byok"
	}
	s.debitsTotal.WithLabelValues(source).Inc()
	if !byok {
		f, _ := amount.Float64()
		s.creditsSpent.Add(f)
	}
}

// RefundCommitted implements the pipeline observer.
func (s *Set) RefundCommitted(decimal.Decimal) {
	s.refundsTotal.Inc()
}

// ProviderStatus records a health flip; wired as the monitor's OnChange hook.
func (s *Set) ProviderStatus(provider string, status health.Status) {
	var v float64
	switch status {
	case health.StatusHealthy:
		v = 1
	case health.StatusDegraded:
		v = 2
	case health.StatusDown:
		v = 3
	}
	s.providerHealth.WithLabelValues(provider).Set(v)
}

// CacheHit and CacheMiss count balance cache lookups.
func (s *Set) CacheHit()  { s.cacheLookups.WithLabelValues("hit").Inc() }
func (s *Set) CacheMiss() { s.cacheLookups.WithLabelValues("miss").Inc() }
