// Package metrics holds the passive MetricsRegistry of spec §4.8: package
// level promauto counters/histograms/gauges, in the same declaration
// style as the teacher's cmd/consumer and internal/syncer metric blocks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts requests by terminal status
	// (success, error, timeout, overloaded).
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_requests_total",
		Help: "Total number of requests by terminal status",
	}, []string{"status"})

	// BatchesProcessed counts batches the WorkerPool has executed.
	BatchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchgate_batches_processed_total",
		Help: "Total number of batches processed by the worker pool",
	})

	// RequestLatency is end-to-end ingress latency, 1ms..~4.1s log-spaced.
	RequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchgate_request_latency_seconds",
		Help:    "End-to-end request latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 13), // 1ms .. ~4.1s
	})

	// BatchSize is the distribution of dispatched batch sizes.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchgate_batch_size",
		Help:    "Size of dispatched batches",
		Buckets: prometheus.LinearBuckets(1, 4, 16),
	})

	// BatchWait is time from batch_open_time to formed_at.
	BatchWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchgate_batch_wait_seconds",
		Help:    "Time from first item in a batch to batch closure",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
	})

	// InferenceDuration is time spent inside BatchExecutor.run.
	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchgate_inference_seconds",
		Help:    "Time spent executing a batch on the BatchExecutor",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
	})

	// QueueSize is the current depth of the BatchQueue.
	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchgate_queue_size",
		Help: "Current number of items waiting in the batch queue",
	})

	// InflightBatches is the current number of batches being executed by the worker pool.
	InflightBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchgate_inflight_batches",
		Help: "Current number of batches being executed",
	})

	// RateLimitFallback counts check() calls that bypassed the limiter because
	// the CounterStore was unreachable.
	RateLimitFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchgate_rate_limit_fallback_total",
		Help: "Total number of rate limit checks that bypassed on CounterStore failure",
	})

	// RateLimitDenied counts denials by limit_type (minute, hour, unavailable).
	RateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_rate_limit_denied_total",
		Help: "Total number of rate limit denials by limit type",
	}, []string{"limit_type"})

	// UpstreamErrors counts gateway -> inference call failures.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_upstream_errors_total",
		Help: "Total number of upstream call failures by kind",
	}, []string{"kind"})
)
