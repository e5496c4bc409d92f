// Package metrics exposes gateway counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrana_requests_total",
			Help: "Total number of proxied chat requests",
		},
		[]string{"provider", "status"},
	)

	requestsInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webrana_requests_in_progress",
		Help: "Number of chat requests currently being processed",
	})

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webrana_request_duration_seconds",
			Help:    "Chat request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "stream"},
	)

	upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrana_upstream_errors_total",
			Help: "Total number of failed upstream calls",
		},
		[]string{"provider", "kind"},
	)

	rateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrana_rate_limit_denials_total",
			Help: "Requests refused by the rate limiter",
		},
		[]string{"reason"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrana_tokens_total",
			Help: "Tokens metered per provider",
		},
		[]string{"provider", "direction"},
	)

	usageRecordFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webrana_usage_record_failures_total",
		Help: "Usage records that could not be persisted",
	})

	usageRecordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webrana_usage_records_dropped_total",
		Help: "Usage records dropped because the queue was full",
	})

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrana_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestsInProgress,
		requestDuration,
		upstreamErrors,
		rateLimitDenials,
		tokensTotal,
		usageRecordFailures,
		usageRecordsDropped,
		cacheHits,
	)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// RequestStarted tracks an in-flight request; call the returned func when it ends
func RequestStarted() func() {
	requestsInProgress.Inc()
	return requestsInProgress.Dec
}

// ObserveRequest records a finished chat request
func ObserveRequest(provider string, status int, streaming bool, d time.Duration) {
	if provider == "" {
		provider = "none"
	}
	requestsTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(provider, strconv.FormatBool(streaming)).Observe(d.Seconds())
}

// UpstreamError counts a failed upstream call
func UpstreamError(provider, kind string) {
	upstreamErrors.WithLabelValues(provider, kind).Inc()
}

// RateLimitDenied counts a refused request; reason is monthly, burst or unavailable
func RateLimitDenied(reason string) {
	rateLimitDenials.WithLabelValues(reason).Inc()
}

// Tokens adds metered prompt and completion tokens
func Tokens(provider string, prompt, completion int) {
	tokensTotal.WithLabelValues(provider, "prompt").Add(float64(prompt))
	tokensTotal.WithLabelValues(provider, "completion").Add(float64(completion))
}

func UsageRecordFailed()  { usageRecordFailures.Inc() }
func UsageRecordDropped() { usageRecordsDropped.Inc() }

// CacheLookup counts a response cache lookup
func CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheHits.WithLabelValues(result).Inc()
}
