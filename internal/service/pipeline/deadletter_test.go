package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/queue"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []DeadLetterAlert
}

func (r *alertRecorder) record(alert DeadLetterAlert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
}

func (r *alertRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func (r *alertRecorder) last() DeadLetterAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alerts[len(r.alerts)-1]
}

func newDLQFixture(t *testing.T, cfg DeadLetterConfig) (*DeadLetterHandler, *queue.RedisQueue, *alertRecorder) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zap.NewNop()
	store := queue.NewDeadLetterStore(client, cfg.QueueName, "audit", logger)

	qcfg := queue.DefaultConfig(cfg.QueueName)
	q := queue.NewRedisQueue(client, qcfg, logger)

	recorder := &alertRecorder{}
	handler := NewDeadLetterHandler(store, q, cfg, recorder.record, logger)
	return handler, q, recorder
}

func failedEnvelope(t *testing.T) *audit.DeliveryEnvelope {
	t.Helper()
	event, err := audit.NewEvent("patient.record.updated", audit.StatusFailure)
	require.NoError(t, err)
	env := audit.NewDeliveryEnvelope(event)
	env.RecordDelivery([]audit.AttemptRecord{
		{Attempt: 1, Timestamp: time.Now().UTC(), Error: "storage timeout"},
	}, errors.New("storage timeout"), time.Now().UTC())
	return env
}

func TestDeadLetterHandlerAddAndThresholdAlert(t *testing.T) {
	cfg := DefaultDeadLetterConfig("test-events")
	cfg.AlertThreshold = 2
	cfg.AlertInterval = time.Hour

	h, _, recorder := newDLQFixture(t, cfg)
	ctx := context.Background()

	record, err := h.Add(ctx, failedEnvelope(t), "retries exhausted after 1 attempts: storage timeout")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "test-events", record.OriginalQueue)
	assert.Equal(t, 1, record.FailureCount)
	assert.Zero(t, recorder.count(), "below threshold, no alert")

	_, err = h.Add(ctx, failedEnvelope(t), "retries exhausted after 1 attempts: storage timeout")
	require.NoError(t, err)
	assert.Equal(t, 1, recorder.count())
	assert.Equal(t, int64(2), recorder.last().Size)
	assert.Equal(t, int64(2), recorder.last().Threshold)

	// The limiter suppresses a third alert inside the interval.
	_, err = h.Add(ctx, failedEnvelope(t), "permanent failure: bad payload")
	require.NoError(t, err)
	assert.Equal(t, 1, recorder.count(), "alerts are rate limited")
}

func TestDeadLetterHandlerRequeue(t *testing.T) {
	cfg := DefaultDeadLetterConfig("test-events")
	h, q, _ := newDLQFixture(t, cfg)
	ctx := context.Background()

	env := failedEnvelope(t)
	record, err := h.Add(ctx, env, "permanent failure: schema mismatch")
	require.NoError(t, err)

	jobID, err := h.Requeue(ctx, record.ID)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "requeued record leaves the store")

	requeued, err := q.Peek(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, env.Event.ID, requeued.Event.ID)
	assert.Zero(t, requeued.AttemptCount, "requeued delivery starts with a clean budget")
}

func TestDeadLetterHandlerPurgeExpired(t *testing.T) {
	cfg := DefaultDeadLetterConfig("test-events")
	cfg.MaxRetentionDays = 14
	h, _, _ := newDLQFixture(t, cfg)
	ctx := context.Background()

	old := failedEnvelope(t)
	oldRecord := old.ToDeadLetter("test-events", "retries exhausted", time.Now().UTC().AddDate(0, 0, -20))
	require.NoError(t, h.store.Add(ctx, oldRecord))

	fresh, err := h.Add(ctx, failedEnvelope(t), "retries exhausted")
	require.NoError(t, err)

	purged, err := h.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = h.Get(ctx, fresh.ID)
	assert.NoError(t, err, "records inside the retention window survive")
}

func TestDeadLetterHandlerSizeCap(t *testing.T) {
	cfg := DefaultDeadLetterConfig("test-events")
	cfg.MaxSize = 2
	cfg.AlertThreshold = 0
	h, _, _ := newDLQFixture(t, cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := h.Add(ctx, failedEnvelope(t), "retries exhausted")
		require.NoError(t, err)
	}

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, int64(2), "size cap drops oldest records")
}

func TestDeadLetterHandlerGrowthRateAlert(t *testing.T) {
	cfg := DefaultDeadLetterConfig("test-events")
	cfg.AlertThreshold = 0
	cfg.AlertRatePerMinute = 1
	cfg.AlertInterval = time.Hour

	h, _, recorder := newDLQFixture(t, cfg)
	ctx := context.Background()

	// A freshly started window never trips the rate trigger.
	_, err := h.Add(ctx, failedEnvelope(t), "retries exhausted")
	require.NoError(t, err)
	assert.Zero(t, recorder.count(), "young window, no rate alert")

	// Age the window so the accumulated additions read as a sustained rate.
	h.mu.Lock()
	h.windowStart = time.Now().Add(-2 * time.Minute)
	h.mu.Unlock()

	_, err = h.Add(ctx, failedEnvelope(t), "retries exhausted")
	require.NoError(t, err)

	require.Equal(t, 1, recorder.count())
	alert := recorder.last()
	assert.Equal(t, cfg.AlertRatePerMinute, alert.RateThreshold)
	assert.GreaterOrEqual(t, alert.RatePerMinute, cfg.AlertRatePerMinute)
	assert.Equal(t, int64(2), alert.Size, "rate trigger fires below the size threshold")
}

func TestDeadLetterHandlerGrowthRate(t *testing.T) {
	cfg := DefaultDeadLetterConfig("test-events")
	h, _, _ := newDLQFixture(t, cfg)
	ctx := context.Background()

	assert.Zero(t, h.GrowthRate())

	for i := 0; i < 3; i++ {
		_, err := h.Add(ctx, failedEnvelope(t), "retries exhausted")
		require.NoError(t, err)
	}
	assert.Greater(t, h.GrowthRate(), 0.0)
}
