package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "driftctl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// HeartbeatsReceivedTotal counts heartbeat reports accepted by the batcher.
var HeartbeatsReceivedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "driftctl",
		Subsystem: "heartbeat",
		Name:      "received_total",
		Help:      "Total number of heartbeat reports accepted into the batcher.",
	},
)

// HeartbeatsDroppedTotal counts heartbeats dropped because a newer report for
// the same instance arrived within the same batch.
var HeartbeatsDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "driftctl",
		Subsystem: "heartbeat",
		Name:      "dropped_total",
		Help:      "Total number of heartbeats dropped as superseded within a batch.",
	},
)

// HeartbeatsOverloadedTotal counts heartbeat submissions rejected because the
// bounded input queue was full.
var HeartbeatsOverloadedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "driftctl",
		Subsystem: "heartbeat",
		Name:      "overloaded_total",
		Help:      "Total number of heartbeat submissions rejected due to a full queue.",
	},
)

// BatchProcessingDuration tracks wall-clock time to process one heartbeat batch.
var BatchProcessingDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "driftctl",
		Subsystem: "heartbeat",
		Name:      "batch_processing_duration_seconds",
		Help:      "Time to process one heartbeat batch end-to-end.",
		Buckets:   prometheus.DefBuckets,
	},
)

// DriftEventsDetectedTotal counts newly detected drift events by severity.
var DriftEventsDetectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "driftctl",
		Subsystem: "drift",
		Name:      "events_detected_total",
		Help:      "Total number of drift events detected, by severity.",
	},
	[]string{"severity"},
)

// DriftEventsResolvedTotal counts drift events auto-resolved by the pipeline.
var DriftEventsResolvedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "driftctl",
		Subsystem: "drift",
		Name:      "events_resolved_total",
		Help:      "Total number of drift events auto-resolved by the system.",
	},
)

// ApprovalCascadeTotal counts cascade outcomes by kind (approved, rejected).
var ApprovalCascadeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "driftctl",
		Subsystem: "approval",
		Name:      "cascade_total",
		Help:      "Total number of competing approval requests resolved by a cascade.",
	},
	[]string{"outcome"},
)

// KVBackendErrorsTotal counts KV backend errors by category.
var KVBackendErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "driftctl",
		Subsystem: "kv",
		Name:      "backend_errors_total",
		Help:      "Total number of KV backend errors, by error category.",
	},
	[]string{"category"},
)

// FallbackCacheHitsTotal counts reads served from the fallback cache while the
// primary backend was unavailable.
var FallbackCacheHitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "driftctl",
		Subsystem: "resilience",
		Name:      "fallback_cache_hits_total",
		Help:      "Total number of reads served from the fallback cache during an outage.",
	},
)

// All returns all driftctl-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HeartbeatsReceivedTotal,
		HeartbeatsDroppedTotal,
		HeartbeatsOverloadedTotal,
		BatchProcessingDuration,
		DriftEventsDetectedTotal,
		DriftEventsResolvedTotal,
		ApprovalCascadeTotal,
		KVBackendErrorsTotal,
		FallbackCacheHitsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
