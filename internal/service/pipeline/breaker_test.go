package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

func testBreakerSettings(threshold, minThroughput int, recovery time.Duration) BreakerSettings {
	return BreakerSettings{
		Name:              "test",
		FailureThreshold:  threshold,
		MinimumThroughput: minThroughput,
		RecoveryTimeout:   recovery,
		CountWindow:       time.Minute,
	}
}

func failOp(ctx context.Context) error {
	return errors.New("downstream failure")
}

func okOp(ctx context.Context) error {
	return nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(testBreakerSettings(3, 3, time.Minute), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, failOp))
	}
	assert.Equal(t, StateOpen, b.State())

	// Work is rejected without reaching the operation.
	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCircuitOpen(err))
	assert.False(t, invoked)

	metrics := b.Metrics()
	assert.Equal(t, StateOpen, metrics.State)
	assert.Equal(t, int64(3), metrics.TotalFailures)
	assert.Equal(t, int64(1), metrics.Rejections)
	assert.NotNil(t, metrics.OpenedAt)
}

func TestBreakerMinimumThroughputGuard(t *testing.T) {
	b := NewBreaker(testBreakerSettings(1, 5, time.Minute), zap.NewNop())
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failOp))
	assert.Equal(t, StateClosed, b.State(), "one failure below minimum throughput must not trip")

	// Four more failures satisfy both conditions.
	for i := 0; i < 4; i++ {
		require.Error(t, b.Execute(ctx, failOp))
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(testBreakerSettings(2, 2, 30*time.Millisecond), zap.NewNop())
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failOp))
	require.Error(t, b.Execute(ctx, failOp))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)

	// First call after the recovery timeout is the half-open probe.
	require.NoError(t, b.Execute(ctx, okOp))
	assert.Equal(t, StateClosed, b.State())

	transitions := make([]string, 0)
	for _, change := range b.Metrics().StateHistory {
		transitions = append(transitions, change.From+">"+change.To)
	}
	assert.Contains(t, transitions, StateClosed+">"+StateOpen)
	assert.Contains(t, transitions, StateOpen+">"+StateHalfOpen)
	assert.Contains(t, transitions, StateHalfOpen+">"+StateClosed)
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker(testBreakerSettings(2, 2, 30*time.Millisecond), zap.NewNop())
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failOp))
	require.Error(t, b.Execute(ctx, failOp))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)

	require.Error(t, b.Execute(ctx, failOp))
	assert.Equal(t, StateOpen, b.State(), "failed probe must reopen the breaker")
}

func TestBreakerMetricsCounters(t *testing.T) {
	b := NewBreaker(testBreakerSettings(10, 10, time.Minute), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(ctx, okOp))
	}
	require.Error(t, b.Execute(ctx, failOp))

	metrics := b.Metrics()
	assert.Equal(t, int64(4), metrics.TotalRequests)
	assert.Equal(t, int64(3), metrics.TotalSuccesses)
	assert.Equal(t, int64(1), metrics.TotalFailures)
	assert.Zero(t, metrics.Rejections)
	assert.InDelta(t, 0.25, metrics.FailureRate, 1e-9)
	assert.Equal(t, StateClosed, metrics.State)
}
