package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/cache"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/database"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/queue"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/telemetry"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/service/ingest"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/service/pipeline"
)

const serviceName = "audit-pipeline"

// statsInterval is how often the Prometheus gauges are refreshed from
// component snapshots.
const statsInterval = 15 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(2)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(logger)

	if err := run(ctx, cfg); err != nil {
		slog.Error("audit pipeline failed", "error", err)
		os.Exit(1)
	}
}

// run wires the full pipeline: init, serve until the context cancels, drain,
// close in reverse construction order.
func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting healthcare audit pipeline",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"queue", cfg.Processor.QueueName)

	logger, err := telemetry.NewZapLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	otelProvider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// Redis carries the durable queue, the dead letter store, and the
	// partition DDL lock.
	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	pool, err := database.NewConnectionPool(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	var router *database.ReplicaRouter
	if len(cfg.Database.Replicas.URLs) > 0 {
		if router, err = database.NewReplicaRouter(ctx, &cfg.Database, pool, logger); err != nil {
			return err
		}
		router.StartHealthChecks(ctx)
		defer router.Close()
	}

	var queryCache *cache.QueryCache
	if cfg.Cache.Enabled {
		queryCache = cache.NewQueryCache(cache.QueryCacheConfig{
			MaxSizeMB:     cfg.Cache.MaxSizeMB,
			MaxKeys:       cfg.Cache.MaxQueries,
			DefaultTTL:    cfg.Cache.DefaultTTL,
			SweepInterval: cfg.Cache.SweepInterval,
		}, logger)
		queryCache.StartSweeper(ctx)
		defer queryCache.Close()
	}

	backend, err := cache.NewRedisBackend(redisClient, logger)
	if err != nil {
		return err
	}

	// The storage client only ever creates partitions, so it can hold a
	// manager without a retention floor. The floored manager built after the
	// client owns scheduled maintenance, where expired partitions are dropped.
	bare, err := database.NewPartitionManager(pool, backend, &cfg.Partitioning, nil, logger)
	if err != nil {
		return err
	}

	monitor := database.NewMonitor(pool, &cfg.Monitoring, logger)
	metricsStore := database.NewMetricsStore(0,
		time.Duration(cfg.Monitoring.MetricsRetentionDays)*24*time.Hour)

	// The alert repository needs the storage client and the client wants its
	// alert sink at construction, so the sink closes over a late-bound
	// repository. Alert persistence is best effort.
	var alerts *database.AlertRepository
	sink := func(ctx context.Context, alert database.StorageAlert) {
		if alerts == nil {
			return
		}
		if err := alerts.RecordAlert(ctx, audit.Alert{
			Source:   alert.Component,
			Severity: audit.AlertSeverity(alert.Severity),
			Message:  alert.Message,
			Details: map[string]interface{}{
				"value":     alert.Value,
				"threshold": alert.Threshold,
			},
			CreatedAt: alert.CreatedAt,
		}); err != nil {
			logger.Warn("failed to persist storage alert", zap.Error(err))
		}
	}

	client, err := database.NewStorageClient(database.StorageClientDeps{
		Pool:       pool,
		Router:     router,
		Cache:      queryCache,
		Partitions: bare,
		Monitor:    monitor,
		Metrics:    metricsStore,
		AlertSink:  sink,
	}, &cfg.Monitoring, logger)
	if err != nil {
		return err
	}
	alerts = database.NewAlertRepository(client)

	// Scheduled maintenance reads retention policies through the client, so
	// the manager that drops partitions is rebuilt once the client exists.
	partitions, err := database.NewPartitionManager(pool, backend, &cfg.Partitioning,
		database.NewRetentionPolicyRepository(client), logger)
	if err != nil {
		return err
	}
	if _, err := partitions.EnsureCurrentAndUpcoming(ctx); err != nil {
		return err
	}
	if cfg.Partitioning.AutoMaintenance {
		partitions.StartScheduler(ctx)
		defer partitions.Stop()
	}

	qcfg := queue.DefaultConfig(cfg.Processor.QueueName)
	if cfg.Processor.EnqueueTimeout > 0 {
		qcfg.EnqueueTimeout = cfg.Processor.EnqueueTimeout
	}
	q := queue.NewRedisQueue(redisClient, qcfg, logger)
	defer func() { _ = q.Close() }()

	var dlqStore pipeline.DeadLetterStore
	if cfg.Processor.DLQ.Storage == "postgres" {
		dlqStore = database.NewDeadLetterRepository(pool, cfg.Processor.QueueName, logger)
	} else {
		dlqStore = queue.NewDeadLetterStore(redisClient, cfg.Processor.QueueName, qcfg.KeyPrefix, logger)
	}

	// Threshold alerts arrive on the processing goroutine and must not
	// block, so persistence happens off to the side.
	onDLQAlert := func(alert pipeline.DeadLetterAlert) {
		go func() {
			alertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.RecordAlert(alertCtx, audit.Alert{
				Source:   "dead_letter_queue",
				Severity: audit.AlertSeverityWarning,
				Message: fmt.Sprintf("dead letter queue %s holds %d records (threshold %d)",
					alert.QueueName, alert.Size, alert.Threshold),
				Details: map[string]interface{}{
					"queue":     alert.QueueName,
					"size":      alert.Size,
					"threshold": alert.Threshold,
				},
				CreatedAt: alert.At,
			}); err != nil {
				logger.Warn("failed to persist dead letter alert", zap.Error(err))
			}
		}()
	}

	dlq := pipeline.NewDeadLetterHandler(dlqStore, q, pipeline.DeadLetterConfig{
		QueueName:          cfg.Processor.QueueName,
		MaxRetentionDays:   cfg.Processor.DLQ.MaxRetentionDays,
		AlertThreshold:     cfg.Processor.DLQ.AlertThreshold,
		AlertRatePerMinute: cfg.Processor.DLQ.AlertRatePerMinute,
		MaxSize:            cfg.Processor.DLQ.MaxSize,
		AlertInterval:      cfg.Processor.DLQ.AlertInterval,
	}, onDLQAlert, logger)
	dlq.StartRetentionLoop(ctx)

	repo := database.NewAuditRepository(client)
	handler, err := pipeline.NewStorageHandler(repo, partitions, logger)
	if err != nil {
		return err
	}

	retry := pipeline.RetryPolicy{
		MaxRetries:      cfg.Processor.Retry.MaxRetries,
		Strategy:        pipeline.BackoffStrategy(cfg.Processor.Retry.Strategy),
		BaseDelay:       cfg.Processor.Retry.BaseDelay,
		MaxDelay:        cfg.Processor.Retry.MaxDelay,
		Jitter:          cfg.Processor.Retry.Jitter,
		RetryableErrors: cfg.Processor.Retry.RetryableErrors,
	}
	if len(retry.RetryableErrors) == 0 {
		retry.RetryableErrors = pipeline.DefaultRetryPolicy().RetryableErrors
	}

	pcfg := pipeline.ProcessorConfig{
		QueueName:       cfg.Processor.QueueName,
		Concurrency:     cfg.Processor.Concurrency,
		HandlerTimeout:  cfg.Processor.HandlerTimeout,
		ShutdownTimeout: cfg.Processor.ShutdownTimeout,
		Retry:           retry,
		Breaker: pipeline.BreakerSettings{
			Name:              cfg.Processor.QueueName,
			FailureThreshold:  cfg.Processor.Breaker.FailureThreshold,
			MinimumThroughput: cfg.Processor.Breaker.MinimumThroughput,
			RecoveryTimeout:   cfg.Processor.Breaker.RecoveryTimeout,
		},
	}
	breaker := pipeline.NewBreaker(pcfg.Breaker, logger)

	processor, err := pipeline.NewProcessor(pcfg, q, breaker, dlq, handler.Handle, logger)
	if err != nil {
		return err
	}

	ingestSvc, err := ingest.NewService(ingest.FromAppConfig(cfg), q, logger)
	if err != nil {
		return err
	}

	if err := processor.Start(ctx); err != nil {
		return err
	}

	client.StartReportLoop(ctx)
	defer client.Stop()

	submitLifecycleEvent(ctx, ingestSvc, cfg, "pipeline.lifecycle.start", "audit pipeline started", logger)

	var metricsServer *http.Server
	if cfg.Telemetry.MetricsAddr != "" {
		metricsServer = newMetricsServer(cfg.Telemetry.MetricsAddr, processor, client)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
		slog.Info("metrics listener started", "addr", cfg.Telemetry.MetricsAddr)
	}

	go pollStats(ctx, pool, cfg.Database.PoolSize, q, dlq, processor, queryCache)

	slog.Info("audit pipeline running",
		"concurrency", cfg.Processor.Concurrency,
		"dlq_storage", cfg.Processor.DLQ.Storage)

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Processor.ShutdownTimeout)
	defer cancel()

	// The stop event rides the queue and is consumed on the next boot if the
	// drain below races it.
	submitLifecycleEvent(drainCtx, ingestSvc, cfg, "pipeline.lifecycle.stop", "audit pipeline stopping", logger)

	if err := processor.Stop(drainCtx); err != nil {
		logger.Warn("processor drain incomplete", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(drainCtx); err != nil {
			logger.Warn("metrics listener shutdown failed", zap.Error(err))
		}
	}

	return nil
}

// submitLifecycleEvent records the pipeline's own start and stop in the audit
// trail. Best effort: a failure here must not affect the lifecycle itself.
func submitLifecycleEvent(ctx context.Context, svc *ingest.Service, cfg *config.Config, action, outcome string, logger *zap.Logger) {
	event, err := audit.NewEventBuilder(action).
		WithPrincipal("system:"+serviceName, "").
		WithTarget("pipeline", cfg.Processor.QueueName).
		WithOutcome(outcome).
		WithCustomField("version", cfg.Version).
		Build()
	if err != nil {
		logger.Warn("failed to build lifecycle event", zap.String("action", action), zap.Error(err))
		return
	}
	if _, err := svc.Submit(ctx, event, ingest.SubmitOptions{}); err != nil {
		logger.Warn("failed to record lifecycle event", zap.String("action", action), zap.Error(err))
	}
}

// newMetricsServer serves /metrics for Prometheus and /healthz for probes.
func newMetricsServer(addr string, processor *pipeline.Processor, client *database.StorageClient) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := processor.HealthStatus(r.Context())
		storage := client.GetHealthStatus(r.Context())

		code := http.StatusOK
		if health.State == pipeline.HealthUnhealthy || storage.Overall == database.HealthLevelCritical {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"processor": health,
			"storage":   storage,
		})
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// pollStats refreshes the Prometheus gauges until the context cancels.
func pollStats(ctx context.Context, pool *database.ConnectionPool, maxConns int, q queue.Queue, dlq *pipeline.DeadLetterHandler, processor *pipeline.Processor, queryCache *cache.QueryCache) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			UpdatePoolMetrics(pool.Stats(), maxConns)
			UpdatePipelineHealth(processor.HealthStatus(ctx))
			if stats, err := q.Stats(ctx); err == nil {
				deadLetters, _ := dlq.Count(ctx)
				UpdateQueueMetrics(stats, deadLetters)
			}
			if queryCache != nil {
				UpdateCacheMetrics(queryCache.Stats())
			}
		}
	}
}
