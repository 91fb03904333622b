// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "tenantauth"

// Metrics holds the Prometheus collectors exported by the identity core and
// the edge layer. All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	tokensIssued        *prometheus.CounterVec
	keyStoreFailures    *prometheus.CounterVec
	keyLifecycle        *prometheus.CounterVec
	codeExchanges       *prometheus.CounterVec
	issuerCacheLookups  *prometheus.CounterVec
	issuerCacheEvicted  prometheus.Counter
	validationRejected  *prometheus.CounterVec
	quotaDecisions      *prometheus.CounterVec
	tenantResolutionErr *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them, along with the Go
// runtime and process collectors, on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_issued_total",
			Help:      "Tokens minted, by grant type.",
		}, []string{"grant_type"}),
		keyStoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "key_store_failures_total",
			Help:      "Signing key generation, sealing or unsealing failures. Any increase must page.",
		}, []string{"operation"}),
		keyLifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "signing_keys_total",
			Help:      "Signing key lifecycle events.",
		}, []string{"event"}),
		codeExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "authorization_code_exchanges_total",
			Help:      "Authorization code exchanges, by result.",
		}, []string{"result"}),
		issuerCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "issuer_cache_lookups_total",
			Help:      "Issuer validator cache lookups, by result.",
		}, []string{"result"}),
		issuerCacheEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "issuer_cache_evictions_total",
			Help:      "Issuer validators evicted from the cache.",
		}),
		validationRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_validation_rejections_total",
			Help:      "Bearer tokens rejected at the edge, by reason.",
		}, []string{"reason"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quota_decisions_total",
			Help:      "Quota decisions, by outcome.",
		}, []string{"outcome"}),
		tenantResolutionErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tenant_resolution_failures_total",
			Help:      "Requests rejected because no tenant could be bound, by reason.",
		}, []string{"reason"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method, route pattern and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokensIssued,
		m.keyStoreFailures,
		m.keyLifecycle,
		m.codeExchanges,
		m.issuerCacheLookups,
		m.issuerCacheEvicted,
		m.validationRejected,
		m.quotaDecisions,
		m.tenantResolutionErr,
		m.requestDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TokenIssued counts a minted token response.
func (m *Metrics) TokenIssued(grantType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

// KeyStoreFailure counts a key store failure.
func (m *Metrics) KeyStoreFailure(operation string) {
	if m == nil {
		return
	}
	m.keyStoreFailures.WithLabelValues(operation).Inc()
}

// KeyEvent counts a key lifecycle event ("created", "rotated", "race_lost").
func (m *Metrics) KeyEvent(event string) {
	if m == nil {
		return
	}
	m.keyLifecycle.WithLabelValues(event).Inc()
}

// CodeExchange counts an authorization code exchange result.
func (m *Metrics) CodeExchange(result string) {
	if m == nil {
		return
	}
	m.codeExchanges.WithLabelValues(result).Inc()
}

// IssuerCacheLookup counts a validator cache hit or miss.
func (m *Metrics) IssuerCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.issuerCacheLookups.WithLabelValues(result).Inc()
}

// IssuerCacheEvicted counts validators removed from the cache.
func (m *Metrics) IssuerCacheEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.issuerCacheEvicted.Add(float64(n))
}

// ValidationRejected counts a rejected bearer token.
func (m *Metrics) ValidationRejected(reason string) {
	if m == nil {
		return
	}
	m.validationRejected.WithLabelValues(reason).Inc()
}

// QuotaDecision counts an admit or deny decision.
func (m *Metrics) QuotaDecision(admitted bool) {
	if m == nil {
		return
	}
	outcome := "deny"
	if admitted {
		outcome = "admit"
	}
	m.quotaDecisions.WithLabelValues(outcome).Inc()
}

// TenantResolutionFailed counts a fail-closed tenant resolution.
func (m *Metrics) TenantResolutionFailed(reason string) {
	if m == nil {
		return
	}
	m.tenantResolutionErr.WithLabelValues(reason).Inc()
}

// RequestObserved records the latency of a served HTTP request. route is the
// matched route pattern, never the raw path, to bound label cardinality.
func (m *Metrics) RequestObserved(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
