package database

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
)

// ConnectionPool wraps pgxpool with bounded acquisition and acquisition
// accounting. Idle validation and eviction are delegated to pgxpool itself
// (HealthCheckPeriod plus MaxConnIdleTime); when ValidateConnections is set
// every checkout is additionally pinged before it is handed to the caller.
type ConnectionPool struct {
	pool   *pgxpool.Pool
	cfg    *config.DatabaseConfig
	logger *zap.Logger

	totalRequests      atomic.Int64
	successfulAcquires atomic.Int64
	failedAcquires     atomic.Int64
	totalAcquireNanos  atomic.Int64
}

// PoolStats is a point-in-time snapshot of pool shape and acquisition
// counters. Counters are cumulative since the pool was created.
type PoolStats struct {
	TotalConnections       int32         `json:"totalConnections"`
	ActiveConnections      int32         `json:"activeConnections"`
	IdleConnections        int32         `json:"idleConnections"`
	AverageAcquisitionTime time.Duration `json:"averageAcquisitionTime"`
	TotalRequests          int64         `json:"totalRequests"`
	SuccessfulConnections  int64         `json:"successfulConnections"`
	FailedConnections      int64         `json:"failedConnections"`
}

// NewConnectionPool connects to the primary database and verifies the
// connection before returning.
func NewConnectionPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*ConnectionPool, error) {
	if cfg == nil {
		return nil, errors.NewConfigError("database", "database configuration is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig, err := buildPoolConfig(cfg, "audit_pipeline")
	if err != nil {
		return nil, err
	}

	connectCtx := ctx
	if cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectionTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	logger.Info("database connection pool established",
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int32("min_conns", poolConfig.MinConns),
		zap.Bool("validate_connections", cfg.ValidateConnections),
	)

	return &ConnectionPool{
		pool:   pool,
		cfg:    cfg,
		logger: logger.Named("database"),
	}, nil
}

// buildPoolConfig translates our configuration into a pgxpool config. The
// applicationName lands in pg_stat_activity so the primary and each replica
// pool can be told apart server-side.
func buildPoolConfig(cfg *config.DatabaseConfig, applicationName string) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.NewConfigError("database.url", fmt.Sprintf("invalid database URL: %v", err))
	}

	poolConfig.MaxConns = int32(cfg.PoolSize)
	poolConfig.MinConns = int32(cfg.MinPoolSize)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.IdleTimeout
	poolConfig.HealthCheckPeriod = time.Minute
	if cfg.ConnectionTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout
	}

	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"
	poolConfig.ConnConfig.RuntimeParams["default_transaction_isolation"] = "read committed"
	if cfg.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	if cfg.ValidateConnections {
		poolConfig.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
			pingCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			return conn.Ping(pingCtx) == nil
		}
	}

	return poolConfig, nil
}

// Acquire checks out a connection, retrying transient failures until the
// acquire timeout elapses. A timeout surfaces as a retryable PoolExhausted
// error; release with conn.Release().
func (p *ConnectionPool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	p.totalRequests.Add(1)
	start := time.Now()

	acquireCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	var conn *pgxpool.Conn
	var err error
	for attempt := 0; ; attempt++ {
		conn, err = p.pool.Acquire(acquireCtx)
		if err == nil || attempt >= p.cfg.AcquireRetries || acquireCtx.Err() != nil {
			break
		}
		select {
		case <-acquireCtx.Done():
		case <-time.After(p.cfg.AcquireRetryDelay):
		}
	}

	waited := time.Since(start)
	p.totalAcquireNanos.Add(waited.Nanoseconds())

	if err != nil {
		p.failedAcquires.Add(1)
		// Parent still live means the acquire window itself expired.
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			p.logger.Warn("connection acquisition timed out",
				zap.Duration("waited", waited),
				zap.Int64("total_requests", p.totalRequests.Load()),
			)
			return nil, errors.NewPoolExhaustedError("primary", waited)
		}
		return nil, errors.Wrap(err, "failed to acquire connection")
	}

	p.successfulAcquires.Add(1)
	return conn, nil
}

// Pool exposes the underlying pgx pool for query execution.
func (p *ConnectionPool) Pool() *pgxpool.Pool {
	return p.pool
}

// Transaction runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (p *ConnectionPool) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, fn)
}

// SerializableTransaction is Transaction at serializable isolation, for
// integrity verification runs that must not observe concurrent writes.
func (p *ConnectionPool) SerializableTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

// Stats snapshots the pool.
func (p *ConnectionPool) Stats() PoolStats {
	stat := p.pool.Stat()

	requests := p.totalRequests.Load()
	var avg time.Duration
	if requests > 0 {
		avg = time.Duration(p.totalAcquireNanos.Load() / requests)
	}

	return PoolStats{
		TotalConnections:       stat.TotalConns(),
		ActiveConnections:      stat.AcquiredConns(),
		IdleConnections:        stat.IdleConns(),
		AverageAcquisitionTime: avg,
		TotalRequests:          requests,
		SuccessfulConnections:  p.successfulAcquires.Load(),
		FailedConnections:      p.failedAcquires.Load(),
	}
}

// SuccessRate reports the fraction of acquisitions that succeeded, 1.0 when
// nothing has been requested yet.
func (p *ConnectionPool) SuccessRate() float64 {
	requests := p.totalRequests.Load()
	if requests == 0 {
		return 1.0
	}
	return float64(p.successfulAcquires.Load()) / float64(requests)
}

// HealthCheck pings the primary.
func (p *ConnectionPool) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.pool.Ping(checkCtx); err != nil {
		return errors.Wrap(err, "database health check failed")
	}
	return nil
}

// Close drains the pool. Blocks until checked-out connections are released.
func (p *ConnectionPool) Close() {
	p.pool.Close()
	p.logger.Info("database connection pool closed")
}
