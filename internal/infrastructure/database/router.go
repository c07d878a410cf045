package database

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
)

// Routing policies. Weighted requires a weight per replica URL.
const (
	PolicyRoundRobin   = "round_robin"
	PolicyWeighted     = "weighted"
	PolicyLeastLatency = "least_latency"
)

// replicationLagQuery reports seconds since the last replayed transaction.
// NULL (not a standby, or no traffic yet) coalesces to zero so a promoted
// replica is not marked lagging.
const replicationLagQuery = `SELECT COALESCE(EXTRACT(EPOCH FROM (NOW() - pg_last_xact_replay_timestamp())), 0)::float8`

// latencyEMAAlpha weights new observations in the per-replica latency
// average used by the least_latency policy.
const latencyEMAAlpha = 0.2

// replica is one read endpoint plus its routing bookkeeping.
type replica struct {
	name   string
	pool   *pgxpool.Pool
	weight int

	healthy atomic.Bool

	mu          sync.Mutex
	latencyEMA  float64 // milliseconds
	lagSeconds  float64
	requests    int64
	failures    int64
	lastChecked time.Time
}

func (r *replica) observe(duration time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	if err != nil {
		r.failures++
		return
	}
	ms := float64(duration.Milliseconds())
	if r.latencyEMA == 0 {
		r.latencyEMA = ms
	} else {
		r.latencyEMA = latencyEMAAlpha*ms + (1-latencyEMAAlpha)*r.latencyEMA
	}
}

func (r *replica) snapshot() ReplicaStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errorRate float64
	if r.requests > 0 {
		errorRate = float64(r.failures) / float64(r.requests)
	}
	return ReplicaStats{
		Name:        r.name,
		Healthy:     r.healthy.Load(),
		Weight:      r.weight,
		LatencyMs:   r.latencyEMA,
		LagSeconds:  r.lagSeconds,
		Requests:    r.requests,
		Failures:    r.failures,
		ErrorRate:   errorRate,
		LastChecked: r.lastChecked,
	}
}

// ReplicaStats is the per-replica view exposed by RouterStats.
type ReplicaStats struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	Weight      int       `json:"weight"`
	LatencyMs   float64   `json:"latencyMs"`
	LagSeconds  float64   `json:"lagSeconds"`
	Requests    int64     `json:"requests"`
	Failures    int64     `json:"failures"`
	ErrorRate   float64   `json:"errorRate"`
	LastChecked time.Time `json:"lastChecked"`
}

// RouterStats summarizes routing state for reports and health checks.
type RouterStats struct {
	Policy           string         `json:"policy"`
	FallbackToMaster bool           `json:"fallbackToMaster"`
	HealthyReplicas  int            `json:"healthyReplicas"`
	PrimaryFallbacks int64          `json:"primaryFallbacks"`
	Replicas         []ReplicaStats `json:"replicas"`
}

// DoneFunc reports the outcome of a routed read so the router can keep its
// latency and error accounting. Always call it, even on error.
type DoneFunc func(duration time.Duration, err error)

func noopDone(time.Duration, error) {}

// ReplicaRouter spreads read traffic across healthy replicas and sends
// writes to the primary. A replica is healthy when it answers a ping and its
// replication lag is within the configured bound; membership is refreshed by
// the health check loop.
type ReplicaRouter struct {
	primary *ConnectionPool
	cfg     *config.ReplicaConfig
	logger  *zap.Logger

	replicas []*replica
	rrNext   atomic.Uint64

	primaryFallbacks atomic.Int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewReplicaRouter dials every configured replica. Replicas that fail to
// connect at startup join the pool unhealthy and are retried by the health
// loop rather than failing construction.
func NewReplicaRouter(ctx context.Context, dbCfg *config.DatabaseConfig, primary *ConnectionPool, logger *zap.Logger) (*ReplicaRouter, error) {
	if primary == nil {
		return nil, errors.NewConfigError("database", "primary connection pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := &ReplicaRouter{
		primary: primary,
		cfg:     &dbCfg.Replicas,
		logger:  logger.Named("replica_router"),
	}

	for i, url := range dbCfg.Replicas.URLs {
		replicaCfg := *dbCfg
		replicaCfg.URL = url

		name := fmt.Sprintf("replica-%d", i)
		weight := 1
		if i < len(dbCfg.Replicas.Weights) && dbCfg.Replicas.Weights[i] > 0 {
			weight = dbCfg.Replicas.Weights[i]
		}

		poolConfig, err := buildPoolConfig(&replicaCfg, "audit_pipeline_"+name)
		if err != nil {
			return nil, err
		}

		rep := &replica{name: name, weight: weight}
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			router.logger.Warn("replica unavailable at startup",
				zap.String("replica", name), zap.Error(err))
		} else {
			rep.pool = pool
			rep.healthy.Store(true)
		}
		router.replicas = append(router.replicas, rep)
	}

	router.logger.Info("replica router initialized",
		zap.Int("replicas", len(router.replicas)),
		zap.String("policy", dbCfg.Replicas.Policy),
		zap.Bool("fallback_to_master", dbCfg.Replicas.FallbackToMaster),
	)
	return router, nil
}

// WritePool returns the primary pool. Writes and transactions never route to
// a replica.
func (rt *ReplicaRouter) WritePool() *pgxpool.Pool {
	return rt.primary.Pool()
}

// ReadPool selects a pool for a read query along with a DoneFunc the caller
// must invoke with the query outcome. With no replicas configured, reads go
// to the primary.
func (rt *ReplicaRouter) ReadPool() (*pgxpool.Pool, DoneFunc, error) {
	healthy := rt.healthyReplicas()
	if len(healthy) == 0 {
		if len(rt.replicas) == 0 || rt.cfg.FallbackToMaster {
			if len(rt.replicas) > 0 {
				rt.primaryFallbacks.Add(1)
			}
			return rt.primary.Pool(), noopDone, nil
		}
		return nil, nil, errors.NewTransportError("replica_router", "no healthy replicas available")
	}

	var chosen *replica
	switch rt.cfg.Policy {
	case PolicyWeighted:
		chosen = pickWeighted(healthy)
	case PolicyLeastLatency:
		chosen = pickLeastLatency(healthy)
	default:
		chosen = healthy[rt.rrNext.Add(1)%uint64(len(healthy))]
	}

	return chosen.pool, chosen.observe, nil
}

func (rt *ReplicaRouter) healthyReplicas() []*replica {
	healthy := make([]*replica, 0, len(rt.replicas))
	for _, rep := range rt.replicas {
		if rep.pool != nil && rep.healthy.Load() {
			healthy = append(healthy, rep)
		}
	}
	return healthy
}

func pickWeighted(candidates []*replica) *replica {
	total := 0
	for _, rep := range candidates {
		total += rep.weight
	}
	n := rand.Intn(total)
	for _, rep := range candidates {
		n -= rep.weight
		if n < 0 {
			return rep
		}
	}
	return candidates[len(candidates)-1]
}

func pickLeastLatency(candidates []*replica) *replica {
	best := candidates[0]
	bestLatency := best.currentLatency()
	for _, rep := range candidates[1:] {
		if l := rep.currentLatency(); l < bestLatency {
			best, bestLatency = rep, l
		}
	}
	return best
}

// currentLatency favors unprobed replicas so new members get traffic.
func (r *replica) currentLatency() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latencyEMA
}

// StartHealthChecks launches the background loop that re-evaluates replica
// health every HealthCheckInterval. Safe to call with zero replicas.
func (rt *ReplicaRouter) StartHealthChecks(ctx context.Context) {
	if len(rt.replicas) == 0 || !rt.running.CompareAndSwap(false, true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		interval := rt.cfg.HealthCheckInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		rt.checkAll(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				rt.checkAll(loopCtx)
			}
		}
	}()
}

func (rt *ReplicaRouter) checkAll(ctx context.Context) {
	for _, rep := range rt.replicas {
		rt.checkReplica(ctx, rep)
	}
}

func (rt *ReplicaRouter) checkReplica(ctx context.Context, rep *replica) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if rep.pool == nil {
		// Startup dial failed; nothing to probe until reconstruction.
		return
	}

	wasHealthy := rep.healthy.Load()

	var lagSeconds float64
	err := rep.pool.QueryRow(checkCtx, replicationLagQuery).Scan(&lagSeconds)

	healthy := err == nil
	if healthy && rt.cfg.MaxLag > 0 && lagSeconds > rt.cfg.MaxLag.Seconds() {
		healthy = false
	}

	rep.healthy.Store(healthy)
	rep.mu.Lock()
	rep.lagSeconds = lagSeconds
	rep.lastChecked = time.Now().UTC()
	rep.mu.Unlock()

	if healthy != wasHealthy {
		if healthy {
			rt.logger.Info("replica recovered",
				zap.String("replica", rep.name),
				zap.Float64("lag_seconds", lagSeconds))
		} else {
			rt.logger.Warn("replica removed from rotation",
				zap.String("replica", rep.name),
				zap.Float64("lag_seconds", lagSeconds),
				zap.Error(err))
		}
	}
}

// Stats snapshots routing state.
func (rt *ReplicaRouter) Stats() RouterStats {
	stats := RouterStats{
		Policy:           rt.cfg.Policy,
		FallbackToMaster: rt.cfg.FallbackToMaster,
		PrimaryFallbacks: rt.primaryFallbacks.Load(),
	}
	for _, rep := range rt.replicas {
		snap := rep.snapshot()
		if snap.Healthy {
			stats.HealthyReplicas++
		}
		stats.Replicas = append(stats.Replicas, snap)
	}
	return stats
}

// Close stops the health loop and closes every replica pool. The primary
// pool is owned by the caller and left open.
func (rt *ReplicaRouter) Close() {
	if rt.running.CompareAndSwap(true, false) && rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
	for _, rep := range rt.replicas {
		if rep.pool != nil {
			rep.pool.Close()
		}
	}
}
