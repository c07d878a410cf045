package database

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/cache"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
)

// Partition intervals supported for the audit log.
const (
	IntervalMonthly   = "monthly"
	IntervalQuarterly = "quarterly"
	IntervalYearly    = "yearly"
)

const (
	auditLogTable     = "audit_log"
	partitionLockName = "partition-maintenance"
	partitionLockTTL  = 2 * time.Minute
)

// partitionBoundsPattern matches the FROM/TO literals in the expression
// pg_get_expr renders for a range partition.
var partitionBoundsPattern = regexp.MustCompile(`FROM \('([^']+)'\) TO \('([^']+)'\)`)

// boundLayouts covers the timestamp renderings Postgres uses in partition
// bound expressions across versions.
var boundLayouts = []string{
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// PartitionInfo describes one child partition of the audit log.
type PartitionInfo struct {
	Name       string    `json:"name"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	SizeBytes  int64     `json:"sizeBytes"`
	ApproxRows int64     `json:"approxRows"`
}

// PartitionReport aggregates partition shape for the performance report.
type PartitionReport struct {
	TotalPartitions      int      `json:"totalPartitions"`
	TotalSizeBytes       int64    `json:"totalSizeBytes"`
	TotalRecords         int64    `json:"totalRecords"`
	AveragePartitionSize int64    `json:"averagePartitionSize"`
	Recommendations      []string `json:"recommendations"`
}

// RetentionFloorProvider reports the longest retention any active policy
// demands, in days. Partition drops never go below it.
type RetentionFloorProvider interface {
	MaxRetentionDays(ctx context.Context) (int, error)
}

// PartitionManager creates and retires time-range partitions of the audit
// log. All DDL runs on the primary under a distributed lock so concurrent
// instances do not race on CREATE TABLE.
type PartitionManager struct {
	pool    *ConnectionPool
	backend cache.Backend
	cfg     *config.PartitioningConfig
	floor   RetentionFloorProvider
	logger  *zap.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewPartitionManager wires the manager. floor may be nil when no retention
// policies are stored.
func NewPartitionManager(pool *ConnectionPool, backend cache.Backend, cfg *config.PartitioningConfig, floor RetentionFloorProvider, logger *zap.Logger) (*PartitionManager, error) {
	if pool == nil {
		return nil, errors.NewConfigError("partitioning", "connection pool is required")
	}
	switch cfg.Interval {
	case IntervalMonthly, IntervalQuarterly, IntervalYearly:
	default:
		return nil, errors.NewConfigError("partitioning.interval",
			fmt.Sprintf("unknown partition interval %q", cfg.Interval))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartitionManager{
		pool:    pool,
		backend: backend,
		cfg:     cfg,
		floor:   floor,
		logger:  logger.Named("partitions"),
	}, nil
}

// PartitionName renders the child table name for the period containing t.
func (m *PartitionManager) PartitionName(t time.Time) string {
	start := m.periodStart(t.UTC())
	switch m.cfg.Interval {
	case IntervalQuarterly:
		quarter := (int(start.Month())-1)/3 + 1
		return fmt.Sprintf("%s_y%dq%d", auditLogTable, start.Year(), quarter)
	case IntervalYearly:
		return fmt.Sprintf("%s_y%d", auditLogTable, start.Year())
	default:
		return fmt.Sprintf("%s_y%dm%02d", auditLogTable, start.Year(), int(start.Month()))
	}
}

func (m *PartitionManager) periodStart(t time.Time) time.Time {
	t = t.UTC()
	switch m.cfg.Interval {
	case IntervalQuarterly:
		quarterMonth := time.Month((int(t.Month())-1)/3*3 + 1)
		return time.Date(t.Year(), quarterMonth, 1, 0, 0, 0, 0, time.UTC)
	case IntervalYearly:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

func (m *PartitionManager) nextPeriod(start time.Time) time.Time {
	switch m.cfg.Interval {
	case IntervalQuarterly:
		return start.AddDate(0, 3, 0)
	case IntervalYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// EnsurePartitions creates every partition needed to cover [from, to].
// Existing partitions are left alone; the returned slice lists only tables
// actually created. Concurrent callers serialize on the maintenance lock.
func (m *PartitionManager) EnsurePartitions(ctx context.Context, from, to time.Time) ([]string, error) {
	if to.Before(from) {
		from, to = to, from
	}

	unlock, err := m.acquireMaintenanceLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var created []string
	for start := m.periodStart(from); !start.After(to); start = m.nextPeriod(start) {
		name := m.PartitionName(start)

		var exists bool
		if err := m.pool.Pool().QueryRow(ctx,
			`SELECT to_regclass($1) IS NOT NULL`, name).Scan(&exists); err != nil {
			return created, errors.Wrap(err, "failed to check partition existence")
		}
		if exists {
			continue
		}

		end := m.nextPeriod(start)
		ddl := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
			name, auditLogTable,
			start.Format("2006-01-02 15:04:05+00"),
			end.Format("2006-01-02 15:04:05+00"),
		)
		if _, err := m.pool.Pool().Exec(ctx, ddl); err != nil {
			return created, errors.Wrap(err, fmt.Sprintf("failed to create partition %s", name))
		}

		created = append(created, name)
		m.logger.Info("partition created",
			zap.String("partition", name),
			zap.Time("from", start),
			zap.Time("to", end),
		)
	}
	return created, nil
}

// EnsureCurrentAndUpcoming covers now through PremakePeriods periods ahead.
func (m *PartitionManager) EnsureCurrentAndUpcoming(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	ahead := m.periodStart(now)
	for i := 0; i < m.cfg.PremakePeriods; i++ {
		ahead = m.nextPeriod(ahead)
	}
	return m.EnsurePartitions(ctx, now, ahead)
}

// DropExpired drops partitions whose entire range is older than the
// retention window. The window never shrinks below the longest retention an
// active policy demands. Returns the names dropped.
func (m *PartitionManager) DropExpired(ctx context.Context, retentionDays int) ([]string, error) {
	if m.floor != nil {
		floorDays, err := m.floor.MaxRetentionDays(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve retention floor")
		}
		if floorDays > retentionDays {
			retentionDays = floorDays
		}
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	unlock, err := m.acquireMaintenanceLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	partitions, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	var dropped []string
	for _, p := range partitions {
		// Unparseable bounds (e.g. a DEFAULT partition) are never dropped.
		if p.To.IsZero() || !p.To.Before(cutoff) {
			continue
		}
		if _, err := m.pool.Pool().Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, p.Name)); err != nil {
			return dropped, errors.Wrap(err, fmt.Sprintf("failed to drop partition %s", p.Name))
		}
		dropped = append(dropped, p.Name)
		m.logger.Info("expired partition dropped",
			zap.String("partition", p.Name),
			zap.Time("upper_bound", p.To),
			zap.Int("retention_days", retentionDays),
		)
	}
	return dropped, nil
}

// List returns every child partition of the audit log with bounds and size.
func (m *PartitionManager) List(ctx context.Context) ([]PartitionInfo, error) {
	rows, err := m.pool.Pool().Query(ctx, `
		SELECT c.relname,
		       pg_get_expr(c.relpartbound, c.oid),
		       pg_total_relation_size(c.oid),
		       COALESCE(s.n_live_tup, 0)
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
		WHERE p.relname = $1
		ORDER BY c.relname`, auditLogTable)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list partitions")
	}
	defer rows.Close()

	var partitions []PartitionInfo
	for rows.Next() {
		var info PartitionInfo
		var bounds string
		if err := rows.Scan(&info.Name, &bounds, &info.SizeBytes, &info.ApproxRows); err != nil {
			return nil, errors.Wrap(err, "failed to scan partition row")
		}
		info.From, info.To = parsePartitionBounds(bounds)
		partitions = append(partitions, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate partitions")
	}
	return partitions, nil
}

// parsePartitionBounds extracts the range from a relpartbound expression.
// Zero times signal bounds that could not be parsed.
func parsePartitionBounds(expr string) (from, to time.Time) {
	match := partitionBoundsPattern.FindStringSubmatch(expr)
	if match == nil {
		return time.Time{}, time.Time{}
	}
	return parseBoundLiteral(match[1]), parseBoundLiteral(match[2])
}

func parseBoundLiteral(literal string) time.Time {
	for _, layout := range boundLayouts {
		if t, err := time.Parse(layout, literal); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// AnalyzePerformance sizes the partition set and flags structural problems.
func (m *PartitionManager) AnalyzePerformance(ctx context.Context) (*PartitionReport, error) {
	partitions, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	report := &PartitionReport{TotalPartitions: len(partitions)}
	emptyPast := 0
	now := time.Now().UTC()
	for _, p := range partitions {
		report.TotalSizeBytes += p.SizeBytes
		report.TotalRecords += p.ApproxRows
		if p.ApproxRows == 0 && !p.To.IsZero() && p.To.Before(now) {
			emptyPast++
		}
	}
	if len(partitions) > 0 {
		report.AveragePartitionSize = report.TotalSizeBytes / int64(len(partitions))
	}

	if report.TotalPartitions > 100 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d partitions exceed the planning comfort zone; consider a longer partition interval", report.TotalPartitions))
	}
	if report.AveragePartitionSize > 50*1024*1024*1024 {
		report.Recommendations = append(report.Recommendations,
			"average partition exceeds 50GB; consider a shorter partition interval")
	}
	if emptyPast > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d past partitions hold no rows and can be dropped", emptyPast))
	}
	return report, nil
}

// StartScheduler runs ensure+drop on the maintenance interval until ctx is
// done or Stop is called. No-op unless auto maintenance is enabled.
func (m *PartitionManager) StartScheduler(ctx context.Context) {
	if !m.cfg.AutoMaintenance || !m.running.CompareAndSwap(false, true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		interval := m.cfg.MaintenanceInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.maintain(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.maintain(loopCtx)
			}
		}
	}()
}

func (m *PartitionManager) maintain(ctx context.Context) {
	if _, err := m.EnsureCurrentAndUpcoming(ctx); err != nil {
		m.logger.Error("partition creation failed", zap.Error(err))
	}
	dropped, err := m.DropExpired(ctx, m.cfg.RetentionDays)
	if err != nil {
		m.logger.Error("partition retention failed", zap.Error(err))
		return
	}
	if len(dropped) > 0 {
		m.logger.Info("partition maintenance completed", zap.Strings("dropped", dropped))
	}
}

// Stop halts the scheduler and waits for an in-flight maintenance pass.
func (m *PartitionManager) Stop() {
	if m.running.CompareAndSwap(true, false) && m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// acquireMaintenanceLock serializes DDL across pipeline instances. Without a
// cache backend (tests, single-node deployments) it degrades to a no-op.
func (m *PartitionManager) acquireMaintenanceLock(ctx context.Context) (func(), error) {
	if m.backend == nil {
		return func() {}, nil
	}
	lock := cache.NewDistributedLock(m.backend, partitionLockName, partitionLockTTL, m.logger)
	if err := lock.AcquireWait(ctx, 30*time.Second, 500*time.Millisecond); err != nil {
		return nil, errors.Wrap(err, "failed to acquire partition maintenance lock")
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			m.logger.Warn("failed to release partition maintenance lock", zap.Error(err))
		}
	}, nil
}
