// Package metrics provides Prometheus instrumentation for the gateway:
// HTTP request counters/histograms, per-provider request/token counters,
// retry and rate-limit counters, event logger queue depth, rate-limit
// cache hit/miss counters, and database pool gauges. Collector registers
// everything through promauto against the default registry; callers mount
// promhttp.Handler() to expose it.
package metrics
