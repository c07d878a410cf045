package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/cache"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/database"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/queue"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/service/pipeline"
)

// Gauges for the Prometheus scrape surface. Per-delivery counters live on the
// OTel instruments inside the processor and ingest service; everything here
// is a polled snapshot refreshed by the stats loop in run().

var (
	// Queue metrics
	queueStreamDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "queue",
			Name:      "stream_depth",
			Help:      "Entries waiting in the queue stream",
		},
		[]string{"queue"},
	)

	queueDelayed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "queue",
			Name:      "delayed",
			Help:      "Entries parked for delayed redelivery",
		},
		[]string{"queue"},
	)

	queuePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Entries delivered but not yet acknowledged",
		},
		[]string{"queue"},
	)

	queueConsumers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "queue",
			Name:      "consumers",
			Help:      "Consumers registered in the consumer group",
		},
		[]string{"queue"},
	)

	queueDeadLetters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "queue",
			Name:      "dead_letters",
			Help:      "Records currently held in the dead letter queue",
		},
		[]string{"queue"},
	)

	// Pipeline metrics
	pipelineHealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "pipeline",
			Name:      "health_score",
			Help:      "Composite processor health score (0-100)",
		},
	)

	pipelineSuccessRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "pipeline",
			Name:      "success_rate",
			Help:      "Fraction of processed deliveries that succeeded",
		},
	)

	pipelineAvgProcessingMs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "pipeline",
			Name:      "avg_processing_ms",
			Help:      "Mean handler latency in milliseconds",
		},
	)

	pipelineBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "pipeline",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)

	// Query cache metrics
	cacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "cache",
			Name:      "hit_ratio",
			Help:      "Query cache hit ratio",
		},
	)

	cacheKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "cache",
			Name:      "keys",
			Help:      "Entries currently cached",
		},
	)

	cacheMemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "cache",
			Name:      "memory_mb",
			Help:      "Estimated query cache memory in megabytes",
		},
	)

	// Database metrics
	dbConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pgxpool",
			Name:      "connections",
			Help:      "Current number of connections in the pool",
		},
		[]string{"state"},
	)

	dbConnectionPoolMax = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgxpool",
			Name:      "max_conns",
			Help:      "Maximum number of connections in the pool",
		},
	)
)

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// UpdatePoolMetrics updates database connection pool metrics
func UpdatePoolMetrics(stats database.PoolStats, maxConns int) {
	dbConnectionPoolSize.WithLabelValues("active").Set(float64(stats.ActiveConnections))
	dbConnectionPoolSize.WithLabelValues("idle").Set(float64(stats.IdleConnections))
	dbConnectionPoolSize.WithLabelValues("total").Set(float64(stats.TotalConnections))
	dbConnectionPoolMax.Set(float64(maxConns))
}

// UpdateQueueMetrics updates queue depth metrics from a stats snapshot
func UpdateQueueMetrics(stats *queue.Stats, deadLetters int64) {
	if stats == nil {
		return
	}
	queueStreamDepth.WithLabelValues(stats.QueueName).Set(float64(stats.StreamDepth))
	queueDelayed.WithLabelValues(stats.QueueName).Set(float64(stats.DelayedCount))
	queuePending.WithLabelValues(stats.QueueName).Set(float64(stats.PendingCount))
	queueConsumers.WithLabelValues(stats.QueueName).Set(float64(stats.Consumers))
	queueDeadLetters.WithLabelValues(stats.QueueName).Set(float64(deadLetters))
}

// UpdatePipelineHealth updates processor health metrics
func UpdatePipelineHealth(health pipeline.HealthStatus) {
	pipelineHealthScore.Set(health.Score)
	pipelineSuccessRate.Set(health.SuccessRate)
	pipelineAvgProcessingMs.Set(health.AvgProcessingMs)
	pipelineBreakerState.Set(breakerStateValue(health.BreakerState))
}

// UpdateCacheMetrics updates query cache metrics
func UpdateCacheMetrics(stats cache.QueryCacheStats) {
	cacheHitRatio.Set(stats.HitRatio)
	cacheKeys.Set(float64(stats.TotalKeys))
	cacheMemoryMB.Set(stats.MemoryUsageMB)
}

// breakerStateValue mirrors the numeric mapping used by the OTel gauge.
func breakerStateValue(state string) float64 {
	switch state {
	case pipeline.StateOpen:
		return 1
	case pipeline.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
