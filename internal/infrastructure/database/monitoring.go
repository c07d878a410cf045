package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
)

// auditTables are the relations maintenance passes operate on.
var auditTables = []string{"audit_log", "audit_integrity_log", "alerts", "audit_retention_policy", "audit_dead_letter"}

// Monitor reports on database-side query performance and drives the
// vacuum/analyze/reindex maintenance the report loop can trigger.
type Monitor struct {
	pool   *ConnectionPool
	cfg    *config.MonitoringConfig
	logger *zap.Logger
}

// QueryStats is one pg_stat_statements row above the slow threshold.
type QueryStats struct {
	QueryID        string  `json:"queryId"`
	Query          string  `json:"query"`
	Calls          int64   `json:"calls"`
	TotalTimeMs    float64 `json:"totalTimeMs"`
	MeanTimeMs     float64 `json:"meanTimeMs"`
	MaxTimeMs      float64 `json:"maxTimeMs"`
	StddevTimeMs   float64 `json:"stddevTimeMs"`
	Rows           int64   `json:"rows"`
	SharedBlksHit  int64   `json:"sharedBlksHit"`
	SharedBlksRead int64   `json:"sharedBlksRead"`
}

// TableStats summarizes one user table.
type TableStats struct {
	SchemaName      string     `json:"schemaName"`
	TableName       string     `json:"tableName"`
	TableSize       int64      `json:"tableSize"`
	IndexSize       int64      `json:"indexSize"`
	TotalSize       int64      `json:"totalSize"`
	LiveTuples      int64      `json:"liveTuples"`
	DeadTuples      int64      `json:"deadTuples"`
	DeadTupleRatio  float64    `json:"deadTupleRatio"`
	LastVacuum      *time.Time `json:"lastVacuum,omitempty"`
	LastAutovacuum  *time.Time `json:"lastAutovacuum,omitempty"`
	LastAnalyze     *time.Time `json:"lastAnalyze,omitempty"`
	LastAutoanalyze *time.Time `json:"lastAutoanalyze,omitempty"`
}

// IndexStats summarizes one index, flagging candidates for removal.
type IndexStats struct {
	SchemaName    string `json:"schemaName"`
	TableName     string `json:"tableName"`
	IndexName     string `json:"indexName"`
	IndexSize     int64  `json:"indexSize"`
	IndexScans    int64  `json:"indexScans"`
	IndexTupRead  int64  `json:"indexTupRead"`
	IndexTupFetch int64  `json:"indexTupFetch"`
	IsUnused      bool   `json:"isUnused"`
	IsUnique      bool   `json:"isUnique"`
	IsInvalid     bool   `json:"isInvalid"`
}

// ConnectionStats summarizes server-side connection usage.
type ConnectionStats struct {
	TotalConnections  int            `json:"totalConnections"`
	ActiveConnections int            `json:"activeConnections"`
	IdleConnections   int            `json:"idleConnections"`
	IdleInTransaction int            `json:"idleInTransaction"`
	MaxConnections    int            `json:"maxConnections"`
	ConnectionsByApp  map[string]int `json:"connectionsByApp"`
}

// MaintenanceResult records the outcome of one maintenance operation.
type MaintenanceResult struct {
	Operation string        `json:"operation"`
	Target    string        `json:"target"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// ConfigSetting is one server configuration value.
type ConfigSetting struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Unit        string `json:"unit,omitempty"`
	Description string `json:"description"`
}

// ConfigOptimization pairs current settings with tuning recommendations.
type ConfigOptimization struct {
	CurrentSettings []ConfigSetting `json:"currentSettings"`
	Recommendations []string        `json:"recommendations"`
}

// NewMonitor creates a database monitor.
func NewMonitor(pool *ConnectionPool, cfg *config.MonitoringConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		pool:   pool,
		cfg:    cfg,
		logger: logger.Named("db_monitor"),
	}
}

// SlowQueries returns statements whose mean execution time exceeds the
// configured threshold. A database without pg_stat_statements installed
// yields an empty result rather than an error.
func (m *Monitor) SlowQueries(ctx context.Context, limit int) ([]QueryStats, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.pool.Pool().Query(ctx, `
		SELECT queryid::text,
		       query,
		       calls,
		       total_exec_time,
		       mean_exec_time,
		       max_exec_time,
		       stddev_exec_time,
		       rows,
		       shared_blks_hit,
		       shared_blks_read
		FROM pg_stat_statements
		WHERE mean_exec_time > $1
		ORDER BY mean_exec_time DESC
		LIMIT $2`,
		float64(m.cfg.SlowQueryThreshold.Milliseconds()), limit)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			m.logger.Debug("pg_stat_statements not installed, skipping slow query capture")
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "failed to query pg_stat_statements")
	}
	defer rows.Close()

	var stats []QueryStats
	for rows.Next() {
		var s QueryStats
		if err := rows.Scan(
			&s.QueryID, &s.Query, &s.Calls,
			&s.TotalTimeMs, &s.MeanTimeMs, &s.MaxTimeMs, &s.StddevTimeMs,
			&s.Rows, &s.SharedBlksHit, &s.SharedBlksRead,
		); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan slow query row")
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// TableStats returns size and tuple statistics for every user table,
// largest first.
func (m *Monitor) TableStats(ctx context.Context) ([]TableStats, error) {
	rows, err := m.pool.Pool().Query(ctx, `
		SELECT schemaname,
		       relname,
		       pg_table_size(relid),
		       pg_indexes_size(relid),
		       pg_total_relation_size(relid),
		       n_live_tup,
		       n_dead_tup,
		       last_vacuum,
		       last_autovacuum,
		       last_analyze,
		       last_autoanalyze
		FROM pg_stat_user_tables
		ORDER BY pg_total_relation_size(relid) DESC`)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to query table statistics")
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(
			&s.SchemaName, &s.TableName,
			&s.TableSize, &s.IndexSize, &s.TotalSize,
			&s.LiveTuples, &s.DeadTuples,
			&s.LastVacuum, &s.LastAutovacuum, &s.LastAnalyze, &s.LastAutoanalyze,
		); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan table statistics row")
		}
		if total := s.LiveTuples + s.DeadTuples; total > 0 {
			s.DeadTupleRatio = float64(s.DeadTuples) / float64(total)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// IndexStats returns usage statistics for every user index, largest first.
func (m *Monitor) IndexStats(ctx context.Context) ([]IndexStats, error) {
	rows, err := m.pool.Pool().Query(ctx, `
		SELECT ix.schemaname,
		       ix.relname,
		       ix.indexrelname,
		       pg_relation_size(ix.indexrelid),
		       ix.idx_scan,
		       ix.idx_tup_read,
		       ix.idx_tup_fetch,
		       i.indisunique,
		       NOT i.indisvalid
		FROM pg_stat_user_indexes ix
		JOIN pg_index i ON i.indexrelid = ix.indexrelid
		ORDER BY pg_relation_size(ix.indexrelid) DESC`)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to query index statistics")
	}
	defer rows.Close()

	var stats []IndexStats
	for rows.Next() {
		var s IndexStats
		if err := rows.Scan(
			&s.SchemaName, &s.TableName, &s.IndexName,
			&s.IndexSize, &s.IndexScans, &s.IndexTupRead, &s.IndexTupFetch,
			&s.IsUnique, &s.IsInvalid,
		); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan index statistics row")
		}
		s.IsUnused = s.IndexScans == 0
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// UnusedIndexes filters IndexStats down to droppable candidates: never
// scanned, larger than the configured size floor, and not backing a unique
// constraint.
func (m *Monitor) UnusedIndexes(ctx context.Context) ([]IndexStats, error) {
	all, err := m.IndexStats(ctx)
	if err != nil {
		return nil, err
	}
	minBytes := int64(m.cfg.UnusedIndexSizeMB) * 1024 * 1024
	var unused []IndexStats
	for _, s := range all {
		if s.IsUnused && !s.IsUnique && s.IndexSize >= minBytes {
			unused = append(unused, s)
		}
	}
	return unused, nil
}

// CacheHitRatio reports the buffer cache hit fraction for the current
// database, 1.0 when no blocks have been read yet.
func (m *Monitor) CacheHitRatio(ctx context.Context) (float64, error) {
	var ratio float64
	err := m.pool.Pool().QueryRow(ctx, `
		SELECT COALESCE(sum(blks_hit)::float8 / NULLIF(sum(blks_hit) + sum(blks_read), 0), 1.0)
		FROM pg_stat_database
		WHERE datname = current_database()`).Scan(&ratio)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to query cache hit ratio")
	}
	return ratio, nil
}

// SuggestIndexes proposes indexes for high-cardinality, poorly correlated
// columns that have none.
func (m *Monitor) SuggestIndexes(ctx context.Context) ([]string, error) {
	rows, err := m.pool.Pool().Query(ctx, `
		SELECT format('CREATE INDEX idx_%s_%s ON %I.%I (%I);',
		              tablename, attname, schemaname, tablename, attname)
		FROM pg_stats
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
		  AND n_distinct > 100
		  AND correlation < 0.1
		  AND NOT EXISTS (
		        SELECT 1
		        FROM pg_index i
		        JOIN pg_class c ON c.oid = i.indrelid
		        JOIN pg_namespace n ON n.oid = c.relnamespace
		        JOIN pg_attribute a ON a.attrelid = c.oid
		        WHERE n.nspname = pg_stats.schemaname
		          AND c.relname = pg_stats.tablename
		          AND a.attname = pg_stats.attname
		          AND a.attnum = ANY(i.indkey)
		  )
		ORDER BY n_distinct DESC
		LIMIT 20`)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to compute index suggestions")
	}
	defer rows.Close()

	var suggestions []string
	for rows.Next() {
		var suggestion string
		if err := rows.Scan(&suggestion); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan index suggestion")
		}
		suggestions = append(suggestions, suggestion)
	}
	return suggestions, rows.Err()
}

// ConnectionStats summarizes pg_stat_activity for the current database.
func (m *Monitor) ConnectionStats(ctx context.Context) (*ConnectionStats, error) {
	rows, err := m.pool.Pool().Query(ctx, `
		SELECT COALESCE(state, 'unknown'),
		       COALESCE(application_name, ''),
		       count(*)
		FROM pg_stat_activity
		WHERE datname = current_database()
		  AND pid != pg_backend_pid()
		GROUP BY state, application_name`)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to query connection statistics")
	}
	defer rows.Close()

	stats := &ConnectionStats{ConnectionsByApp: make(map[string]int)}
	for rows.Next() {
		var state, app string
		var count int
		if err := rows.Scan(&state, &app, &count); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan connection statistics row")
		}
		stats.TotalConnections += count
		switch state {
		case "active":
			stats.ActiveConnections += count
		case "idle":
			stats.IdleConnections += count
		case "idle in transaction", "idle in transaction (aborted)":
			stats.IdleInTransaction += count
		}
		if app != "" {
			stats.ConnectionsByApp[app] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate connection statistics")
	}

	if err := m.pool.Pool().QueryRow(ctx,
		`SELECT current_setting('max_connections')::int`).Scan(&stats.MaxConnections); err != nil {
		return nil, apperrors.Wrap(err, "failed to read max_connections")
	}
	return stats, nil
}

// RunMaintenance vacuums and analyzes the audit tables, then rebuilds any
// invalid indexes. Failures are recorded per operation; the pass continues
// past them.
func (m *Monitor) RunMaintenance(ctx context.Context) ([]MaintenanceResult, error) {
	var results []MaintenanceResult

	for _, table := range auditTables {
		results = append(results, m.execMaintenance(ctx, "VACUUM ANALYZE", table,
			fmt.Sprintf("VACUUM ANALYZE %s", table)))
	}

	indexes, err := m.IndexStats(ctx)
	if err != nil {
		return results, err
	}
	for _, idx := range indexes {
		if !idx.IsInvalid {
			continue
		}
		target := fmt.Sprintf("%s.%s", idx.SchemaName, idx.IndexName)
		results = append(results, m.execMaintenance(ctx, "REINDEX", target,
			fmt.Sprintf("REINDEX INDEX %s", target)))
	}

	return results, nil
}

func (m *Monitor) execMaintenance(ctx context.Context, operation, target, sql string) MaintenanceResult {
	start := time.Now()
	_, err := m.pool.Pool().Exec(ctx, sql)
	result := MaintenanceResult{
		Operation: operation,
		Target:    target,
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if err != nil {
		result.Error = err.Error()
		m.logger.Warn("maintenance operation failed",
			zap.String("operation", operation),
			zap.String("target", target),
			zap.Error(err))
	} else {
		m.logger.Debug("maintenance operation completed",
			zap.String("operation", operation),
			zap.String("target", target),
			zap.Duration("duration", result.Duration))
	}
	return result
}

// monitoredSettings are the server knobs surfaced by OptimizeConfiguration.
var monitoredSettings = []string{
	"shared_buffers",
	"effective_cache_size",
	"work_mem",
	"maintenance_work_mem",
	"max_connections",
	"autovacuum",
	"wal_level",
	"checkpoint_timeout",
	"random_page_cost",
}

// OptimizeConfiguration reads the monitored server settings and derives
// tuning recommendations from observed load.
func (m *Monitor) OptimizeConfiguration(ctx context.Context) (*ConfigOptimization, error) {
	rows, err := m.pool.Pool().Query(ctx, `
		SELECT name, setting, COALESCE(unit, ''), short_desc
		FROM pg_settings
		WHERE name = ANY($1)
		ORDER BY name`, monitoredSettings)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read server settings")
	}
	defer rows.Close()

	opt := &ConfigOptimization{}
	settings := make(map[string]string)
	for rows.Next() {
		var s ConfigSetting
		if err := rows.Scan(&s.Name, &s.Value, &s.Unit, &s.Description); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan server setting")
		}
		opt.CurrentSettings = append(opt.CurrentSettings, s)
		settings[s.Name] = s.Value
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate server settings")
	}

	if settings["autovacuum"] == "off" {
		opt.Recommendations = append(opt.Recommendations,
			"autovacuum is disabled; append-heavy audit partitions still need analyze runs to keep plans current")
	}

	if ratio, err := m.CacheHitRatio(ctx); err == nil && ratio < 0.90 {
		opt.Recommendations = append(opt.Recommendations,
			fmt.Sprintf("buffer cache hit ratio %.1f%% is below 90%%; consider raising shared_buffers or effective_cache_size", ratio*100))
	}

	if conns, err := m.ConnectionStats(ctx); err == nil && conns.MaxConnections > 0 {
		saturation := float64(conns.TotalConnections) / float64(conns.MaxConnections)
		if saturation > 0.8 {
			opt.Recommendations = append(opt.Recommendations,
				fmt.Sprintf("connection saturation %.0f%% exceeds 80%%; lower pool sizes or raise max_connections", saturation*100))
		}
	}

	var statementsInstalled bool
	if err := m.pool.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_stat_statements')`).Scan(&statementsInstalled); err == nil && !statementsInstalled {
		opt.Recommendations = append(opt.Recommendations,
			"pg_stat_statements is not installed; server-side slow query capture is unavailable")
	}

	return opt, nil
}
