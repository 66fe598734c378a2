// Package metrics provides Prometheus instrumentation for the gateway's
// HTTP surface, provider adapters, retry executor, event logger, and
// database pool.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the gateway's Prometheus metrics under a
// single namespace.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerTokensUsed      *prometheus.CounterVec

	retryAttemptsTotal *prometheus.CounterVec
	rateLimitHitsTotal *prometheus.CounterVec
	loggerQueueDepth   *prometheus.GaugeVec
	loggerBatchSize    *prometheus.HistogramVec
	loggerDroppedTotal *prometheus.CounterVec

	rateLimitCacheHits   *prometheus.CounterVec
	rateLimitCacheMisses *prometheus.CounterVec

	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector builds and registers a Collector's metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the gateway.",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request body size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response body size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of requests sent to vendor providers.",
		},
		[]string{"provider", "model", "status"},
	)

	c.providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Vendor provider request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.providerTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_used_total",
			Help:      "Total tokens reported by vendor providers.",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total retry attempts made by the retry executor, by outcome.",
		},
		[]string{"provider", "outcome"}, // outcome: retry, recovered, exhausted
	)

	c.rateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of 429/rate-limit responses observed from providers.",
		},
		[]string{"provider"},
	)

	c.loggerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "logger_queue_depth",
			Help:      "Number of entries currently queued in the event logger.",
		},
		[]string{"logger"},
	)

	c.loggerBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "logger_batch_size",
			Help:      "Number of entries flushed per event logger batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"logger"},
	)

	c.loggerDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logger_dropped_total",
			Help:      "Total entries dropped because the event logger queue was full.",
		},
		[]string{"logger"},
	)

	c.rateLimitCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_cache_hits_total",
			Help:      "Total rate-limit reset-time cache hits, avoiding a redundant provider round trip.",
		},
		[]string{"provider"},
	)

	c.rateLimitCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_cache_misses_total",
			Help:      "Total rate-limit reset-time cache misses.",
		},
		[]string{"provider"},
	)

	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections.",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections.",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records a completed HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordProviderRequest records a completed request to a vendor provider.
func (c *Collector) RecordProviderRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.providerRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.providerRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.providerTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.providerTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordRetryAttempt records one retry executor decision for provider.
func (c *Collector) RecordRetryAttempt(provider, outcome string) {
	c.retryAttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordRateLimitHit records a 429/rate-limit response from provider.
func (c *Collector) RecordRateLimitHit(provider string) {
	c.rateLimitHitsTotal.WithLabelValues(provider).Inc()
}

// SetLoggerQueueDepth reports the event logger's current pending-entry count.
func (c *Collector) SetLoggerQueueDepth(logger string, depth int) {
	c.loggerQueueDepth.WithLabelValues(logger).Set(float64(depth))
}

// RecordLoggerBatch records the size of one flushed event-logger batch.
func (c *Collector) RecordLoggerBatch(logger string, size int) {
	c.loggerBatchSize.WithLabelValues(logger).Observe(float64(size))
}

// RecordLoggerDropped records an entry dropped due to a full logger queue.
func (c *Collector) RecordLoggerDropped(logger string) {
	c.loggerDroppedTotal.WithLabelValues(logger).Inc()
}

// RecordRateLimitCacheHit records a rate-limit reset-time cache hit.
func (c *Collector) RecordRateLimitCacheHit(provider string) {
	c.rateLimitCacheHits.WithLabelValues(provider).Inc()
}

// RecordRateLimitCacheMiss records a rate-limit reset-time cache miss.
func (c *Collector) RecordRateLimitCacheMiss(provider string) {
	c.rateLimitCacheMisses.WithLabelValues(provider).Inc()
}

// RecordDBConnections records the current open/idle connection counts.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery records one database query's duration.
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
