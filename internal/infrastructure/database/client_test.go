package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/cache"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
)

func newTestQueryCache(t *testing.T) *cache.QueryCache {
	t.Helper()
	return cache.NewQueryCache(cache.QueryCacheConfig{
		MaxSizeMB:     1,
		MaxKeys:       64,
		DefaultTTL:    time.Minute,
		SweepInterval: time.Minute,
	}, zap.NewNop())
}

func TestNewStorageClient_RequiresPool(t *testing.T) {
	_, err := NewStorageClient(StorageClientDeps{}, nil, zap.NewNop())
	require.Error(t, err)

	client, err := NewStorageClient(StorageClientDeps{Pool: &ConnectionPool{}}, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestGenerateCacheKey(t *testing.T) {
	a := GenerateCacheKey("audit_log.query", map[string]interface{}{"org": "org-1", "limit": 100})
	b := GenerateCacheKey("audit_log.query", map[string]interface{}{"limit": 100, "org": "org-1"})
	assert.Equal(t, a, b, "parameter order must not change the key")

	c := GenerateCacheKey("audit_log.count", map[string]interface{}{"org": "org-1", "limit": 100})
	assert.NotEqual(t, a, c, "query name must be part of the key")

	d := GenerateCacheKey("audit_log.query", map[string]interface{}{"org": "org-2", "limit": 100})
	assert.NotEqual(t, a, d, "parameter values must be part of the key")

	assert.Len(t, a, 64)
	assert.Len(t, GenerateCacheKey("audit_log.query", nil), 64)
}

func TestExecuteOptimized_ServesFromCache(t *testing.T) {
	client, err := NewStorageClient(StorageClientDeps{
		Pool:  &ConnectionPool{},
		Cache: newTestQueryCache(t),
	}, nil, zap.NewNop())
	require.NoError(t, err)

	calls := 0
	fn := func(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
		calls++
		return []string{"org-1", "org-2"}, nil
	}
	opts := QueryOptions{CacheKey: "orgs"}

	first, err := ExecuteOptimized(context.Background(), client, fn, opts)
	require.NoError(t, err)
	second, err := ExecuteOptimized(context.Background(), client, fn, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "second call must be served from cache")

	_, err = ExecuteOptimized(context.Background(), client, fn, QueryOptions{CacheKey: "orgs", SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "SkipCache must bypass the cached entry")
}

func TestExecuteOptimized_ErrorsAreNotCached(t *testing.T) {
	client, err := NewStorageClient(StorageClientDeps{
		Pool:  &ConnectionPool{},
		Cache: newTestQueryCache(t),
	}, nil, zap.NewNop())
	require.NoError(t, err)

	calls := 0
	fn := func(ctx context.Context, pool *pgxpool.Pool) (int, error) {
		calls++
		return 0, errors.New("relation does not exist")
	}

	_, err = ExecuteOptimized(context.Background(), client, fn, QueryOptions{CacheKey: "broken"})
	require.Error(t, err)
	_, err = ExecuteOptimized(context.Background(), client, fn, QueryOptions{CacheKey: "broken"})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecuteMonitored_RecordsMetrics(t *testing.T) {
	metrics := NewMetricsStore(100, time.Hour)
	client, err := NewStorageClient(StorageClientDeps{
		Pool:    &ConnectionPool{},
		Metrics: metrics,
	}, &config.MonitoringConfig{SlowQueryThreshold: time.Second}, zap.NewNop())
	require.NoError(t, err)

	got, err := ExecuteMonitored(context.Background(), client, "test.fetch",
		func(ctx context.Context, pool *pgxpool.Pool) (int, error) { return 42, nil },
		QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = ExecuteMonitored(context.Background(), client, "test.fetch",
		func(ctx context.Context, pool *pgxpool.Pool) (int, error) { return 0, errors.New("boom") },
		QueryOptions{})
	require.Error(t, err)

	summary := metrics.Summary(time.Now().UTC().Add(-time.Minute))
	assert.Equal(t, 2, summary.TotalQueries)
	assert.Equal(t, 1, summary.FailedQueries)
	require.Contains(t, summary.ByName, "test.fetch")
	assert.Equal(t, 2, summary.ByName["test.fetch"].Count)
	assert.Equal(t, 1, summary.ByName["test.fetch"].Failures)
}

func TestEvaluateHealth(t *testing.T) {
	okPool := PoolStats{TotalConnections: 10, ActiveConnections: 2, AverageAcquisitionTime: 5 * time.Millisecond}

	tests := []struct {
		name        string
		pool        PoolStats
		successRate float64
		pingErr     error
		cache       *cache.QueryCacheStats
		router      *RouterStats
		partitions  int
		wantOverall string
		wantStatus  map[string]string
	}{
		{
			name:        "all healthy",
			pool:        okPool,
			successRate: 1.0,
			partitions:  12,
			wantOverall: HealthLevelHealthy,
			wantStatus: map[string]string{
				"database":   HealthLevelHealthy,
				"pool":       HealthLevelHealthy,
				"partitions": HealthLevelHealthy,
			},
		},
		{
			name:        "primary unreachable",
			pool:        okPool,
			successRate: 1.0,
			pingErr:     errors.New("connection refused"),
			partitions:  -1,
			wantOverall: HealthLevelCritical,
			wantStatus:  map[string]string{"database": HealthLevelCritical},
		},
		{
			name:        "pool success rate below 80 percent",
			pool:        okPool,
			successRate: 0.5,
			partitions:  -1,
			wantOverall: HealthLevelCritical,
			wantStatus:  map[string]string{"pool": HealthLevelCritical},
		},
		{
			name:        "pool success rate below 95 percent",
			pool:        okPool,
			successRate: 0.9,
			partitions:  -1,
			wantOverall: HealthLevelWarning,
			wantStatus:  map[string]string{"pool": HealthLevelWarning},
		},
		{
			name:        "slow acquisitions",
			pool:        PoolStats{AverageAcquisitionTime: 2 * time.Second},
			successRate: 1.0,
			partitions:  -1,
			wantOverall: HealthLevelWarning,
			wantStatus:  map[string]string{"pool": HealthLevelWarning},
		},
		{
			name:        "large cold cache",
			pool:        okPool,
			successRate: 1.0,
			cache:       &cache.QueryCacheStats{HitRatio: 0.2, MemoryUsageMB: 64},
			partitions:  -1,
			wantOverall: HealthLevelWarning,
			wantStatus:  map[string]string{"cache": HealthLevelWarning},
		},
		{
			name:        "small cold cache stays healthy",
			pool:        okPool,
			successRate: 1.0,
			cache:       &cache.QueryCacheStats{HitRatio: 0.2, MemoryUsageMB: 1},
			partitions:  -1,
			wantOverall: HealthLevelHealthy,
			wantStatus:  map[string]string{"cache": HealthLevelHealthy},
		},
		{
			name:        "no healthy replicas with fallback",
			pool:        okPool,
			successRate: 1.0,
			router:      &RouterStats{FallbackToMaster: true, Replicas: make([]ReplicaStats, 2)},
			partitions:  -1,
			wantOverall: HealthLevelWarning,
			wantStatus:  map[string]string{"replicas": HealthLevelWarning},
		},
		{
			name:        "no healthy replicas without fallback",
			pool:        okPool,
			successRate: 1.0,
			router:      &RouterStats{FallbackToMaster: false, Replicas: make([]ReplicaStats, 2)},
			partitions:  -1,
			wantOverall: HealthLevelCritical,
			wantStatus:  map[string]string{"replicas": HealthLevelCritical},
		},
		{
			name:        "healthy replicas",
			pool:        okPool,
			successRate: 1.0,
			router:      &RouterStats{HealthyReplicas: 2, Replicas: make([]ReplicaStats, 2)},
			partitions:  -1,
			wantOverall: HealthLevelHealthy,
			wantStatus:  map[string]string{"replicas": HealthLevelHealthy},
		},
		{
			name:        "partition count above 100",
			pool:        okPool,
			successRate: 1.0,
			partitions:  150,
			wantOverall: HealthLevelWarning,
			wantStatus:  map[string]string{"partitions": HealthLevelWarning},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			health := evaluateHealth(tt.pool, tt.successRate, tt.pingErr, tt.cache, tt.router, tt.partitions)
			assert.Equal(t, tt.wantOverall, health.Overall)
			for component, status := range tt.wantStatus {
				require.Contains(t, health.Components, component)
				assert.Equal(t, status, health.Components[component].Status, component)
			}
		})
	}
}

func TestEvaluateHealth_SkipsUnconfiguredComponents(t *testing.T) {
	health := evaluateHealth(PoolStats{}, 1.0, nil, nil, nil, -1)

	assert.NotContains(t, health.Components, "cache")
	assert.NotContains(t, health.Components, "replicas")
	assert.NotContains(t, health.Components, "partitions")
}

func TestStorageClient_ThresholdAlerts(t *testing.T) {
	var alerts []StorageAlert
	client := &StorageClient{
		logger: zap.NewNop(),
		alertSink: func(ctx context.Context, alert StorageAlert) {
			alerts = append(alerts, alert)
		},
	}

	report := &PerformanceReport{
		PoolSuccessRate: 0.90,
		Pool:            PoolStats{AverageAcquisitionTime: 2 * time.Second},
		Cache:           cache.QueryCacheStats{HitRatio: 0.30, MemoryUsageMB: 32},
		Partitions:      &PartitionReport{TotalPartitions: 120},
		SlowQueries:     make([]QueryStats, slowQueryAlertThreshold+1),
		UnusedIndexes:   make([]IndexStats, 11),
	}
	client.emitThresholdAlerts(context.Background(), report)

	require.Len(t, alerts, 6)
	byComponent := map[string]int{}
	for _, alert := range alerts {
		byComponent[alert.Component]++
		assert.False(t, alert.CreatedAt.IsZero())
	}
	assert.Equal(t, 2, byComponent["pool"])
	assert.Equal(t, 1, byComponent["cache"])
	assert.Equal(t, 1, byComponent["partitions"])
	assert.Equal(t, 2, byComponent["monitor"])

	alerts = nil
	client.emitThresholdAlerts(context.Background(), &PerformanceReport{PoolSuccessRate: 1.0})
	assert.Empty(t, alerts, "a clean report must not alert")
}

func TestStorageClient_SlowQueryAlertReachableAtFetchLimit(t *testing.T) {
	var alerts []StorageAlert
	client := &StorageClient{
		logger: zap.NewNop(),
		alertSink: func(ctx context.Context, alert StorageAlert) {
			alerts = append(alerts, alert)
		},
	}

	// Reports are capped at slowQueryFetchLimit rows, so a full fetch must
	// still cross the alert threshold.
	require.Greater(t, slowQueryFetchLimit, slowQueryAlertThreshold)

	report := &PerformanceReport{
		PoolSuccessRate: 1.0,
		SlowQueries:     make([]QueryStats, slowQueryFetchLimit),
	}
	client.emitThresholdAlerts(context.Background(), report)

	require.Len(t, alerts, 1)
	assert.Equal(t, "monitor", alerts[0].Component)
	assert.Equal(t, float64(slowQueryAlertThreshold), alerts[0].Threshold)
}
