package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/cache"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
)

// Health levels reported by GetHealthStatus.
const (
	HealthLevelHealthy  = "healthy"
	HealthLevelWarning  = "warning"
	HealthLevelCritical = "critical"
)

// slowQueryAlertThreshold is the statement count that trips the slow-query
// alert. Reports fetch one row past it so the comparison can exceed it.
const (
	slowQueryAlertThreshold = 20
	slowQueryFetchLimit     = slowQueryAlertThreshold + 1
)

// QueryFunc produces a value of type T against the given pool.
type QueryFunc[T any] func(ctx context.Context, pool *pgxpool.Pool) (T, error)

// QueryOptions steer routing and caching for a single query.
type QueryOptions struct {
	// CacheKey enables result caching when non-empty.
	CacheKey string
	// CacheTTL overrides the cache default when positive.
	CacheTTL time.Duration
	// SkipCache bypasses the read path but still stores the result.
	SkipCache bool
	// ReadOnly routes the query to a replica when one is healthy.
	ReadOnly bool
}

// StorageAlert is emitted when a monitored threshold is crossed.
type StorageAlert struct {
	Severity  string    `json:"severity"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"createdAt"`
}

// AlertSink receives storage alerts. Implementations must not block.
type AlertSink func(ctx context.Context, alert StorageAlert)

// PerformanceReport aggregates the state of every storage component.
type PerformanceReport struct {
	GeneratedAt     time.Time             `json:"generatedAt"`
	Pool            PoolStats             `json:"pool"`
	PoolSuccessRate float64               `json:"poolSuccessRate"`
	Router          *RouterStats          `json:"router,omitempty"`
	Cache           cache.QueryCacheStats `json:"cache"`
	Partitions      *PartitionReport      `json:"partitions,omitempty"`
	QueryActivity   QuerySummary          `json:"queryActivity"`
	SlowQueries     []QueryStats          `json:"slowQueries,omitempty"`
	UnusedIndexes   []IndexStats          `json:"unusedIndexes,omitempty"`
	DBCacheHitRatio float64               `json:"dbCacheHitRatio"`
	Errors          []string              `json:"errors,omitempty"`
}

// OptimizationResult summarizes one optimizeDatabase pass.
type OptimizationResult struct {
	StartedAt             time.Time           `json:"startedAt"`
	CompletedAt           time.Time           `json:"completedAt"`
	PartitionOptimization []string            `json:"partitionOptimization"`
	IndexOptimization     []string            `json:"indexOptimization"`
	MaintenanceResults    []MaintenanceResult `json:"maintenanceResults"`
	ConfigOptimization    []string            `json:"configOptimization"`
}

// ComponentHealth is the status of one storage component.
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StorageHealth is the aggregate health view.
type StorageHealth struct {
	Overall         string                     `json:"overall"`
	Components      map[string]ComponentHealth `json:"components"`
	Recommendations []string                   `json:"recommendations"`
	CheckedAt       time.Time                  `json:"checkedAt"`
}

// StorageClientDeps carries the components the client composes. Pool is
// required; everything else degrades gracefully when nil.
type StorageClientDeps struct {
	Pool       *ConnectionPool
	Router     *ReplicaRouter
	Cache      *cache.QueryCache
	Partitions *PartitionManager
	Monitor    *Monitor
	Metrics    *MetricsStore
	AlertSink  AlertSink
}

// StorageClient fronts the database stack: cached and monitored query
// execution, replica routing, periodic performance reports, and the
// auto-optimization pass those reports can trigger.
type StorageClient struct {
	pool       *ConnectionPool
	router     *ReplicaRouter
	cache      *cache.QueryCache
	partitions *PartitionManager
	monitor    *Monitor
	metrics    *MetricsStore
	alertSink  AlertSink
	cfg        *config.MonitoringConfig
	logger     *zap.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewStorageClient wires the storage facade.
func NewStorageClient(deps StorageClientDeps, cfg *config.MonitoringConfig, logger *zap.Logger) (*StorageClient, error) {
	if deps.Pool == nil {
		return nil, errors.NewConfigError("storage", "connection pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageClient{
		pool:       deps.Pool,
		router:     deps.Router,
		cache:      deps.Cache,
		partitions: deps.Partitions,
		monitor:    deps.Monitor,
		metrics:    deps.Metrics,
		alertSink:  deps.AlertSink,
		cfg:        cfg,
		logger:     logger.Named("storage"),
	}, nil
}

// Pool exposes the primary connection pool.
func (c *StorageClient) Pool() *ConnectionPool { return c.pool }

// Partitions exposes the partition manager, nil when not configured.
func (c *StorageClient) Partitions() *PartitionManager { return c.partitions }

// Monitor exposes the database monitor, nil when not configured.
func (c *StorageClient) Monitor() *Monitor { return c.monitor }

// InvalidateQueries drops cached query results matching the glob pattern
// and returns how many entries were removed.
func (c *StorageClient) InvalidateQueries(pattern string) int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Invalidate(pattern)
}

// readTarget picks the pool for a query along with the router's outcome
// callback.
func (c *StorageClient) readTarget(readOnly bool) (*pgxpool.Pool, DoneFunc, error) {
	if readOnly && c.router != nil {
		return c.router.ReadPool()
	}
	return c.pool.Pool(), noopDone, nil
}

// ExecuteOptimized runs fn with caching and replica routing applied per
// opts. Results are cached as JSON under opts.CacheKey; a zero TTL uses the
// cache default.
func ExecuteOptimized[T any](ctx context.Context, c *StorageClient, fn QueryFunc[T], opts QueryOptions) (T, error) {
	result, _, err := executeWithCache(ctx, c, fn, opts)
	return result, err
}

// ExecuteMonitored is ExecuteOptimized plus a recorded QueryMetric under the
// given name. Queries slower than the configured threshold log a warning.
func ExecuteMonitored[T any](ctx context.Context, c *StorageClient, name string, fn QueryFunc[T], opts QueryOptions) (T, error) {
	start := time.Now()
	result, cacheHit, err := executeWithCache(ctx, c, fn, opts)
	elapsed := time.Since(start)

	metric := QueryMetric{
		Name:      name,
		Duration:  elapsed,
		Success:   err == nil,
		CacheHit:  cacheHit,
		Timestamp: start.UTC(),
	}
	if err != nil {
		metric.Error = err.Error()
	}
	if c.metrics != nil {
		c.metrics.Record(metric)
	}

	if c.cfg != nil && c.cfg.SlowQueryThreshold > 0 && elapsed > c.cfg.SlowQueryThreshold {
		c.logger.Warn("slow query detected",
			zap.String("query", name),
			zap.Duration("duration", elapsed),
			zap.Duration("threshold", c.cfg.SlowQueryThreshold),
			zap.Bool("cache_hit", cacheHit),
		)
	}
	return result, err
}

func executeWithCache[T any](ctx context.Context, c *StorageClient, fn QueryFunc[T], opts QueryOptions) (T, bool, error) {
	var zero T

	if opts.CacheKey != "" && !opts.SkipCache && c.cache != nil {
		var cached T
		if c.cache.GetJSON(opts.CacheKey, &cached) {
			return cached, true, nil
		}
	}

	pool, done, err := c.readTarget(opts.ReadOnly)
	if err != nil {
		return zero, false, err
	}

	start := time.Now()
	result, err := fn(ctx, pool)
	done(time.Since(start), err)
	if err != nil {
		return zero, false, err
	}

	if opts.CacheKey != "" && c.cache != nil {
		if cacheErr := c.cache.SetJSON(opts.CacheKey, result, opts.CacheTTL); cacheErr != nil {
			c.logger.Debug("failed to cache query result",
				zap.String("cache_key", opts.CacheKey),
				zap.Error(cacheErr))
		}
	}
	return result, false, nil
}

// GenerateCacheKey derives a deterministic key from a query name and its
// parameters: keys sorted, values JSON-encoded, SHA-256 over the joined
// form. Identical logical queries always map to the same key.
func GenerateCacheKey(name string, params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		encoded, err := json.Marshal(params[k])
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", params[k]))
		}
		parts = append(parts, k+"="+string(encoded))
	}

	sum := sha256.Sum256([]byte(name + "_" + strings.Join(parts, "&")))
	return hex.EncodeToString(sum[:])
}

// GeneratePerformanceReport snapshots every composed component. Component
// failures are recorded in the report rather than aborting it.
func (c *StorageClient) GeneratePerformanceReport(ctx context.Context) *PerformanceReport {
	report := &PerformanceReport{
		GeneratedAt:     time.Now().UTC(),
		Pool:            c.pool.Stats(),
		PoolSuccessRate: c.pool.SuccessRate(),
	}

	if c.router != nil {
		stats := c.router.Stats()
		report.Router = &stats
	}
	if c.cache != nil {
		report.Cache = c.cache.Stats()
	}
	if c.metrics != nil {
		report.QueryActivity = c.metrics.Summary(report.GeneratedAt.Add(-24 * time.Hour))
	}
	if c.partitions != nil {
		partReport, err := c.partitions.AnalyzePerformance(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("partitions: %v", err))
		} else {
			report.Partitions = partReport
		}
	}
	if c.monitor != nil {
		slow, err := c.monitor.SlowQueries(ctx, slowQueryFetchLimit)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("slow queries: %v", err))
		} else {
			report.SlowQueries = slow
		}

		unused, err := c.monitor.UnusedIndexes(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("unused indexes: %v", err))
		} else {
			report.UnusedIndexes = unused
		}

		ratio, err := c.monitor.CacheHitRatio(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("db cache hit ratio: %v", err))
		} else {
			report.DBCacheHitRatio = ratio
		}
	}
	return report
}

// OptimizeDatabase runs partition maintenance, surfaces index work, runs
// table maintenance, and collects configuration recommendations.
func (c *StorageClient) OptimizeDatabase(ctx context.Context) (*OptimizationResult, error) {
	result := &OptimizationResult{StartedAt: time.Now().UTC()}

	if c.partitions != nil {
		created, err := c.partitions.EnsureCurrentAndUpcoming(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range created {
			result.PartitionOptimization = append(result.PartitionOptimization, "created "+name)
		}
		partReport, err := c.partitions.AnalyzePerformance(ctx)
		if err == nil {
			result.PartitionOptimization = append(result.PartitionOptimization, partReport.Recommendations...)
		}
	}

	if c.monitor != nil {
		unused, err := c.monitor.UnusedIndexes(ctx)
		if err == nil {
			for _, idx := range unused {
				result.IndexOptimization = append(result.IndexOptimization,
					fmt.Sprintf("index %s.%s is unused (%d bytes); consider dropping", idx.SchemaName, idx.IndexName, idx.IndexSize))
			}
		}
		suggestions, err := c.monitor.SuggestIndexes(ctx)
		if err == nil {
			result.IndexOptimization = append(result.IndexOptimization, suggestions...)
		}

		maintenance, err := c.monitor.RunMaintenance(ctx)
		if err != nil {
			return nil, err
		}
		result.MaintenanceResults = maintenance

		configOpt, err := c.monitor.OptimizeConfiguration(ctx)
		if err == nil {
			result.ConfigOptimization = configOpt.Recommendations
		}
	}

	result.CompletedAt = time.Now().UTC()
	c.logger.Info("database optimization completed",
		zap.Int("partition_actions", len(result.PartitionOptimization)),
		zap.Int("index_actions", len(result.IndexOptimization)),
		zap.Int("maintenance_operations", len(result.MaintenanceResults)),
		zap.Duration("duration", result.CompletedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

// GetHealthStatus evaluates component health from live readings.
func (c *StorageClient) GetHealthStatus(ctx context.Context) *StorageHealth {
	pingErr := c.pool.HealthCheck(ctx)

	var routerStats *RouterStats
	if c.router != nil {
		stats := c.router.Stats()
		routerStats = &stats
	}

	var cacheStats *cache.QueryCacheStats
	if c.cache != nil {
		stats := c.cache.Stats()
		cacheStats = &stats
	}

	partitionCount := -1
	if c.partitions != nil {
		if partitions, err := c.partitions.List(ctx); err == nil {
			partitionCount = len(partitions)
		}
	}

	health := evaluateHealth(c.pool.Stats(), c.pool.SuccessRate(), pingErr, cacheStats, routerStats, partitionCount)
	health.CheckedAt = time.Now().UTC()
	return health
}

// evaluateHealth derives component statuses from readings. Pure so the
// thresholds are testable without a database.
func evaluateHealth(pool PoolStats, successRate float64, pingErr error, cacheStats *cache.QueryCacheStats, routerStats *RouterStats, partitionCount int) *StorageHealth {
	health := &StorageHealth{
		Overall:    HealthLevelHealthy,
		Components: make(map[string]ComponentHealth),
	}

	set := func(component, status, message string) {
		health.Components[component] = ComponentHealth{Status: status, Message: message}
		if status == HealthLevelCritical {
			health.Overall = HealthLevelCritical
		} else if status == HealthLevelWarning && health.Overall != HealthLevelCritical {
			health.Overall = HealthLevelWarning
		}
	}

	if pingErr != nil {
		set("database", HealthLevelCritical, fmt.Sprintf("primary unreachable: %v", pingErr))
		health.Recommendations = append(health.Recommendations, "verify primary database connectivity")
	} else {
		set("database", HealthLevelHealthy, "primary reachable")
	}

	switch {
	case successRate < 0.80:
		set("pool", HealthLevelCritical, fmt.Sprintf("acquisition success rate %.1f%%", successRate*100))
		health.Recommendations = append(health.Recommendations, "increase pool size or reduce connection hold times")
	case successRate < 0.95:
		set("pool", HealthLevelWarning, fmt.Sprintf("acquisition success rate %.1f%%", successRate*100))
		health.Recommendations = append(health.Recommendations, "pool acquisitions are failing; inspect long running queries")
	case pool.AverageAcquisitionTime > time.Second:
		set("pool", HealthLevelWarning, fmt.Sprintf("average acquisition time %s", pool.AverageAcquisitionTime))
		health.Recommendations = append(health.Recommendations, "average pool acquisition exceeds 1s; consider raising pool size")
	default:
		set("pool", HealthLevelHealthy, fmt.Sprintf("%d/%d connections in use", pool.ActiveConnections, pool.TotalConnections))
	}

	if cacheStats != nil {
		if cacheStats.HitRatio < 0.5 && cacheStats.MemoryUsageMB > 10 {
			set("cache", HealthLevelWarning, fmt.Sprintf("hit ratio %.1f%% at %.1f MB", cacheStats.HitRatio*100, cacheStats.MemoryUsageMB))
			health.Recommendations = append(health.Recommendations, "query cache is large but cold; review cache keys and TTLs")
		} else {
			set("cache", HealthLevelHealthy, fmt.Sprintf("hit ratio %.1f%%", cacheStats.HitRatio*100))
		}
	}

	if routerStats != nil && len(routerStats.Replicas) > 0 {
		if routerStats.HealthyReplicas == 0 {
			if routerStats.FallbackToMaster {
				set("replicas", HealthLevelWarning, "no healthy replicas; reads falling back to primary")
			} else {
				set("replicas", HealthLevelCritical, "no healthy replicas and fallback disabled")
			}
			health.Recommendations = append(health.Recommendations, "investigate replica connectivity and replication lag")
		} else {
			set("replicas", HealthLevelHealthy,
				fmt.Sprintf("%d/%d replicas healthy", routerStats.HealthyReplicas, len(routerStats.Replicas)))
		}
	}

	if partitionCount >= 0 {
		if partitionCount > 100 {
			set("partitions", HealthLevelWarning, fmt.Sprintf("%d partitions", partitionCount))
			health.Recommendations = append(health.Recommendations, "partition count exceeds 100; consider a longer interval")
		} else {
			set("partitions", HealthLevelHealthy, fmt.Sprintf("%d partitions", partitionCount))
		}
	}

	return health
}

// StartReportLoop periodically builds a performance report, applies the
// auto-optimization rules, and emits threshold alerts. Returns immediately
// when monitoring is disabled.
func (c *StorageClient) StartReportLoop(ctx context.Context) {
	if c.cfg == nil || !c.cfg.Enabled || !c.running.CompareAndSwap(false, true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		interval := c.cfg.ReportInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.runReportCycle(loopCtx)
			}
		}
	}()
}

// Stop halts the report loop.
func (c *StorageClient) Stop() {
	if c.running.CompareAndSwap(true, false) && c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *StorageClient) runReportCycle(ctx context.Context) {
	report := c.GeneratePerformanceReport(ctx)

	c.logger.Info("performance report generated",
		zap.Float64("pool_success_rate", report.PoolSuccessRate),
		zap.Float64("cache_hit_ratio", report.Cache.HitRatio),
		zap.Int("slow_queries", len(report.SlowQueries)),
		zap.Int("report_errors", len(report.Errors)),
	)

	if c.cfg.AutoOptimization {
		c.applyAutoOptimization(ctx, report)
	}
	c.emitThresholdAlerts(ctx, report)
}

// applyAutoOptimization reacts to two report conditions: a large cold cache
// is cleared, and a slow-query pileup triggers table maintenance.
func (c *StorageClient) applyAutoOptimization(ctx context.Context, report *PerformanceReport) {
	if c.cache != nil && report.Cache.HitRatio < 0.10 && report.Cache.MemoryUsageMB > 50 {
		c.cache.Clear()
		c.logger.Warn("query cache cleared by auto-optimization",
			zap.Float64("hit_ratio", report.Cache.HitRatio),
			zap.Float64("memory_mb", report.Cache.MemoryUsageMB),
		)
	}

	if c.monitor != nil && len(report.SlowQueries) > 10 {
		results, err := c.monitor.RunMaintenance(ctx)
		if err != nil {
			c.logger.Error("auto-optimization maintenance failed", zap.Error(err))
			return
		}
		c.logger.Info("maintenance triggered by slow query pileup",
			zap.Int("slow_queries", len(report.SlowQueries)),
			zap.Int("operations", len(results)),
		)
	}
}

func (c *StorageClient) emitThresholdAlerts(ctx context.Context, report *PerformanceReport) {
	emit := func(severity, component, message string, value, threshold float64) {
		alert := StorageAlert{
			Severity:  severity,
			Component: component,
			Message:   message,
			Value:     value,
			Threshold: threshold,
			CreatedAt: time.Now().UTC(),
		}
		c.logger.Warn("storage threshold crossed",
			zap.String("component", component),
			zap.String("message", message),
			zap.Float64("value", value),
			zap.Float64("threshold", threshold),
		)
		if c.alertSink != nil {
			c.alertSink(ctx, alert)
		}
	}

	if report.PoolSuccessRate < 0.95 {
		emit(HealthLevelCritical, "pool", "connection acquisition success rate below 95%",
			report.PoolSuccessRate, 0.95)
	}
	if report.Pool.AverageAcquisitionTime > time.Second {
		emit(HealthLevelWarning, "pool", "average connection acquisition above 1s",
			report.Pool.AverageAcquisitionTime.Seconds(), 1.0)
	}
	if report.Cache.HitRatio < 0.50 && report.Cache.MemoryUsageMB > 10 {
		emit(HealthLevelWarning, "cache", "query cache hit ratio below 50%",
			report.Cache.HitRatio, 0.50)
	}
	if report.Partitions != nil && report.Partitions.TotalPartitions > 100 {
		emit(HealthLevelWarning, "partitions", "partition count above 100",
			float64(report.Partitions.TotalPartitions), 100)
	}
	if len(report.SlowQueries) > slowQueryAlertThreshold {
		emit(HealthLevelWarning, "monitor", "more than 20 slow queries in pg_stat_statements",
			float64(len(report.SlowQueries)), slowQueryAlertThreshold)
	}
	if len(report.UnusedIndexes) > 10 {
		emit(HealthLevelWarning, "monitor", "more than 10 unused indexes",
			float64(len(report.UnusedIndexes)), 10)
	}
}
