package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/cache"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/database"
)

// appStack is the storage layer wired for a single command invocation.
type appStack struct {
	cfg        *config.Config
	logger     *zap.Logger
	pool       *database.ConnectionPool
	partitions *database.PartitionManager
	monitor    *database.Monitor
	client     *database.StorageClient

	closers []func()
}

// Close tears the stack down in reverse construction order.
func (s *appStack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// withStack adapts a handler into a cobra RunE: it loads configuration,
// connects the storage layer, runs the handler, and tears everything down.
func withStack(run func(ctx context.Context, stack *appStack) error) func(*cobra.Command, []string) error {
	return withStackArgs(func(ctx context.Context, stack *appStack, _ []string) error {
		return run(ctx, stack)
	})
}

// withStackArgs is withStack for handlers that consume positional arguments.
func withStackArgs(run func(ctx context.Context, stack *appStack, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		stack, err := buildStack(cmd.Context())
		if err != nil {
			return err
		}
		defer stack.Close()
		return run(cmd.Context(), stack, args)
	}
}

// buildStack connects the same storage components the pipeline composes,
// without any of its background loops. Commands run against a quiet stack
// and exit.
func buildStack(ctx context.Context) (*appStack, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger()
	stack := &appStack{cfg: cfg, logger: logger}

	ok := false
	defer func() {
		if !ok {
			stack.Close()
		}
	}()

	pool, err := database.NewConnectionPool(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	stack.pool = pool
	stack.closers = append(stack.closers, pool.Close)

	// Partition DDL serializes on a Redis lock when one is reachable.
	// Without it, DDL still runs, unserialized against other instances.
	var backend cache.Backend
	if cfg.Redis.URL != "" {
		redisClient, redisErr := cache.NewRedisClient(&cfg.Redis)
		if redisErr != nil {
			logger.Warn("redis unreachable, partition DDL runs unlocked", zap.Error(redisErr))
		} else {
			stack.closers = append(stack.closers, func() { _ = redisClient.Close() })
			if backend, err = cache.NewRedisBackend(redisClient, logger); err != nil {
				return nil, err
			}
		}
	}

	partitions, err := database.NewPartitionManager(pool, backend, &cfg.Partitioning, nil, logger)
	if err != nil {
		return nil, err
	}

	monitor := database.NewMonitor(pool, &cfg.Monitoring, logger)
	stack.monitor = monitor

	var queryCache *cache.QueryCache
	if cfg.Cache.Enabled {
		queryCache = cache.NewQueryCache(cache.QueryCacheConfig{
			MaxSizeMB:     cfg.Cache.MaxSizeMB,
			MaxKeys:       cfg.Cache.MaxQueries,
			DefaultTTL:    cfg.Cache.DefaultTTL,
			SweepInterval: cfg.Cache.SweepInterval,
		}, logger)
		stack.closers = append(stack.closers, queryCache.Close)
	}

	metrics := database.NewMetricsStore(0,
		time.Duration(cfg.Monitoring.MetricsRetentionDays)*24*time.Hour)

	client, err := database.NewStorageClient(database.StorageClientDeps{
		Pool:       pool,
		Cache:      queryCache,
		Partitions: partitions,
		Monitor:    monitor,
		Metrics:    metrics,
	}, &cfg.Monitoring, logger)
	if err != nil {
		return nil, err
	}
	stack.client = client

	// The retention floor reads policies through the client, so the manager
	// the commands use is rebuilt once the client exists. Cleanup then never
	// drops a partition a stored policy still demands.
	floored, err := database.NewPartitionManager(pool, backend, &cfg.Partitioning,
		database.NewRetentionPolicyRepository(client), logger)
	if err != nil {
		return nil, err
	}
	stack.partitions = floored

	ok = true
	return stack, nil
}

// newLogger builds a console logger on stderr. Storage components log at
// info and below; the CLI keeps them quiet unless --verbose is set.
func newLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
