package queue

import (
	"context"
	goerrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := DefaultConfig("test-events")
	cfg.BlockInterval = 50 * time.Millisecond
	cfg.IdleSleep = 10 * time.Millisecond
	cfg.MoveInterval = 20 * time.Millisecond
	cfg.ClaimInterval = 100 * time.Millisecond
	cfg.ClaimIdle = 500 * time.Millisecond

	return NewRedisQueue(client, cfg, zap.NewNop()), mr, client
}

func newTestEnvelope(t *testing.T) *audit.DeliveryEnvelope {
	t.Helper()
	event, err := audit.NewEvent("patient.record.viewed", audit.StatusSuccess)
	require.NoError(t, err)
	event.PrincipalID = "clinician-1"
	event.OrganizationID = "org-1"
	return audit.NewDeliveryEnvelope(event)
}

func TestRedisQueueEnqueueConsumeAck(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sent := make([]uuid.UUID, 0, 3)
	for i := 0; i < 3; i++ {
		env := newTestEnvelope(t)
		sent = append(sent, env.Event.ID)
		jobID, err := q.Enqueue(ctx, env)
		require.NoError(t, err)
		require.NotEmpty(t, jobID)
	}

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	var mu sync.Mutex
	received := make([]uuid.UUID, 0, 3)
	handler := func(ctx context.Context, env *audit.DeliveryEnvelope) {
		mu.Lock()
		received = append(received, env.Event.ID)
		mu.Unlock()
		assert.NoError(t, q.Ack(ctx, env.JobID))
	}

	require.NoError(t, q.Consume(ctx, handler, 1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, sent, received, "single consumer should preserve FIFO order")
	mu.Unlock()

	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background())
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, q.Close())
}

func TestRedisQueueNackRedeliversWithDelay(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnvelope(t)
	_, err := q.Enqueue(ctx, env)
	require.NoError(t, err)

	var mu sync.Mutex
	var deliveries []*audit.DeliveryEnvelope
	handler := func(ctx context.Context, env *audit.DeliveryEnvelope) {
		mu.Lock()
		deliveries = append(deliveries, env)
		nth := len(deliveries)
		mu.Unlock()

		if nth == 1 {
			env.RecordDelivery([]audit.AttemptRecord{
				{Attempt: 1, Timestamp: time.Now(), Error: "downstream unavailable"},
			}, goerrors.New("downstream unavailable"), time.Now())
			assert.NoError(t, q.Nack(ctx, env, 40*time.Millisecond))
			return
		}
		assert.NoError(t, q.Ack(ctx, env.JobID))
	}

	require.NoError(t, q.Consume(ctx, handler, 1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	second := deliveries[1]
	mu.Unlock()

	assert.Equal(t, env.Event.ID, second.Event.ID)
	assert.Equal(t, 1, second.AttemptCount, "attempt history must survive redelivery")
	assert.Equal(t, "downstream unavailable", second.LastError)
	require.Len(t, second.Attempts, 1)
	assert.NotNil(t, second.FirstFailureAt)

	cancel()
	require.NoError(t, q.Close())
}

func TestRedisQueueImmediateNack(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.ensureGroup(ctx))

	env := newTestEnvelope(t)
	jobID, err := q.Enqueue(ctx, env)
	require.NoError(t, err)

	env.JobID = jobID
	require.NoError(t, q.Nack(ctx, env, 0))

	// The old entry is gone and a fresh one carries the same event.
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	_, err = q.Peek(ctx, jobID)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestRedisQueuePeek(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	env := newTestEnvelope(t)
	jobID, err := q.Enqueue(ctx, env)
	require.NoError(t, err)

	peeked, err := q.Peek(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, env.Event.ID, peeked.Event.ID)
	assert.Equal(t, jobID, peeked.JobID)

	// Peek never consumes.
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	_, err = q.Peek(ctx, "99999999-0")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestRedisQueueStats(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.ensureGroup(ctx))

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, newTestEnvelope(t))
		require.NoError(t, err)
	}

	// Park one delivery in the delayed set.
	env := newTestEnvelope(t)
	jobID, err := q.Enqueue(ctx, env)
	require.NoError(t, err)
	env.JobID = jobID
	require.NoError(t, q.Nack(ctx, env, time.Hour))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test-events", stats.QueueName)
	assert.Equal(t, int64(2), stats.StreamDepth)
	assert.Equal(t, int64(1), stats.DelayedCount)
}

func TestRedisQueueEnqueueUnavailable(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	mr.Close()

	_, err := q.Enqueue(context.Background(), newTestEnvelope(t))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeQueueUnavailable))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestRedisQueuePromoteDueOnlyMovesRipeEntries(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.ensureGroup(ctx))

	ripe := newTestEnvelope(t)
	jobID, err := q.Enqueue(ctx, ripe)
	require.NoError(t, err)
	ripe.JobID = jobID
	require.NoError(t, q.Nack(ctx, ripe, 10*time.Millisecond))

	unripe := newTestEnvelope(t)
	jobID, err = q.Enqueue(ctx, unripe)
	require.NoError(t, err)
	unripe.JobID = jobID
	require.NoError(t, q.Nack(ctx, unripe, time.Hour))

	time.Sleep(20 * time.Millisecond)
	moved, err := q.promoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.StreamDepth)
	assert.Equal(t, int64(1), stats.DelayedCount)
}

func TestRedisQueueDropsPoisonEntries(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(),
		Values: map[string]interface{}{envelopeField: "{not json"},
	}).Err()
	require.NoError(t, err)

	var mu sync.Mutex
	delivered := 0
	handler := func(ctx context.Context, env *audit.DeliveryEnvelope) {
		mu.Lock()
		delivered++
		mu.Unlock()
		assert.NoError(t, q.Ack(ctx, env.JobID))
	}

	require.NoError(t, q.Consume(ctx, handler, 1))

	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background())
		return err == nil && depth == 0
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Zero(t, delivered, "poison entries must never reach the handler")
	mu.Unlock()

	cancel()
	require.NoError(t, q.Close())
}

func TestDeadLetterStoreLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewDeadLetterStore(client, "test-events", "audit", zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		env := newTestEnvelope(t)
		env.RecordDelivery([]audit.AttemptRecord{
			{Attempt: 1, Timestamp: now, Error: "handler timeout"},
		}, goerrors.New("handler timeout"), now)
		record := env.ToDeadLetter("test-events", "retries exhausted", now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Add(ctx, record))
		ids = append(ids, record.ID)
	}

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	records, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ids[2], records[0].ID, "listing is newest first")
	assert.Equal(t, "retries exhausted", records[0].FailureReason)
	assert.Equal(t, "test-events", records[0].OriginalQueue)

	got, err := store.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[1], got.ID)
	require.NotNil(t, got.OriginalEvent)

	// Purge everything failed before the newest record.
	purged, err := store.PurgeOlderThan(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, store.Remove(ctx, ids[2]))
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = store.Get(ctx, ids[0])
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestDeadLetterStoreListLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewDeadLetterStore(client, "test-events", "audit", zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		env := newTestEnvelope(t)
		record := env.ToDeadLetter("test-events", "permanent failure", time.Now())
		require.NoError(t, store.Add(ctx, record))
	}

	records, err := store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
