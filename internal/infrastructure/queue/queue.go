package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// envelopeField is the single stream entry field carrying the serialized
// delivery envelope.
const envelopeField = "envelope"

// Handler receives one delivery. Acknowledgement is explicit: the handler (or
// the processor driving it) must Ack, Nack, or dead-letter every delivery it
// receives, otherwise the entry stays pending and is reclaimed after ClaimIdle.
type Handler func(ctx context.Context, envelope *audit.DeliveryEnvelope)

// Queue is the durable at-least-once work queue contract. Implemented by
// RedisQueue; consumers should depend on this interface.
type Queue interface {
	Enqueue(ctx context.Context, envelope *audit.DeliveryEnvelope) (string, error)
	Consume(ctx context.Context, handler Handler, concurrency int) error
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, envelope *audit.DeliveryEnvelope, delay time.Duration) error
	Peek(ctx context.Context, jobID string) (*audit.DeliveryEnvelope, error)
	Depth(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
	Name() string
	Close() error
}

// Config controls queue keys and consumer behavior.
type Config struct {
	QueueName      string
	KeyPrefix      string
	EnqueueTimeout time.Duration
	BlockInterval  time.Duration // XREADGROUP block duration per poll
	IdleSleep      time.Duration // pause after an empty read
	ClaimIdle      time.Duration // pending entries idle longer than this are reclaimed
	ClaimInterval  time.Duration // how often stale deliveries are scanned for
	MoveInterval   time.Duration // how often due delayed entries are promoted
	MoveBatch      int64
	MaxLen         int64 // approximate stream cap, 0 means unbounded
}

// DefaultConfig returns production settings for the named queue.
func DefaultConfig(queueName string) Config {
	return Config{
		QueueName:      queueName,
		KeyPrefix:      "audit",
		EnqueueTimeout: 5 * time.Second,
		BlockInterval:  2 * time.Second,
		IdleSleep:      50 * time.Millisecond,
		ClaimIdle:      30 * time.Second,
		ClaimInterval:  10 * time.Second,
		MoveInterval:   250 * time.Millisecond,
		MoveBatch:      128,
		MaxLen:         0,
	}
}

// Stats is a point-in-time view of queue backlog.
type Stats struct {
	QueueName    string `json:"queue_name"`
	StreamDepth  int64  `json:"stream_depth"`
	DelayedCount int64  `json:"delayed_count"`
	PendingCount int64  `json:"pending_count"`
	Consumers    int64  `json:"consumers"`
}

// RedisQueue is a durable queue on Redis Streams. Ready work lives in a
// stream consumed through a consumer group; deliveries scheduled for later
// (nack with delay) wait in a sorted set scored by ready time and are moved
// back into the stream by a background promoter. Entries that were delivered
// but never acknowledged are reclaimed after ClaimIdle via XAUTOCLAIM, which
// is what makes the queue at-least-once across consumer crashes.
type RedisQueue struct {
	client   *redis.Client
	cfg      Config
	logger   *zap.Logger
	consumer string

	wg        sync.WaitGroup
	consuming atomic.Bool

	enqueued  atomic.Int64
	delivered atomic.Int64
	moved     atomic.Int64
	reclaimed atomic.Int64
}

// NewRedisQueue wraps an existing client. The client lifecycle belongs to the
// caller; Close only drains this queue's consumer goroutines.
func NewRedisQueue(client *redis.Client, cfg Config, logger *zap.Logger) *RedisQueue {
	if cfg.QueueName == "" {
		cfg.QueueName = "audit-events"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "audit"
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 2 * time.Second
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 50 * time.Millisecond
	}
	if cfg.MoveInterval <= 0 {
		cfg.MoveInterval = 250 * time.Millisecond
	}
	if cfg.MoveBatch <= 0 {
		cfg.MoveBatch = 128
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 10 * time.Second
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}

	return &RedisQueue{
		client:   client,
		cfg:      cfg,
		logger:   logger.Named("queue"),
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

func (q *RedisQueue) streamKey() string {
	return fmt.Sprintf("%s:stream:%s", q.cfg.KeyPrefix, q.cfg.QueueName)
}

func (q *RedisQueue) delayedKey() string {
	return fmt.Sprintf("%s:delayed:%s", q.cfg.KeyPrefix, q.cfg.QueueName)
}

func (q *RedisQueue) group() string {
	return q.cfg.QueueName + ":workers"
}

// Name returns the logical queue name.
func (q *RedisQueue) Name() string {
	return q.cfg.QueueName
}

// Enqueue appends the envelope to the stream and returns the broker-assigned
// job id. A broker that does not answer within EnqueueTimeout yields a
// QUEUE_UNAVAILABLE error so producers can fail fast.
func (q *RedisQueue) Enqueue(ctx context.Context, envelope *audit.DeliveryEnvelope) (string, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", apperrors.Wrap(err, "marshal delivery envelope")
	}

	ctx, cancel := context.WithTimeout(ctx, q.cfg.EnqueueTimeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: q.streamKey(),
		Values: map[string]interface{}{envelopeField: payload},
	}
	if q.cfg.MaxLen > 0 {
		args.MaxLen = q.cfg.MaxLen
		args.Approx = true
	}

	jobID, err := q.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", apperrors.NewQueueUnavailableError(q.cfg.QueueName, "failed to enqueue audit event").WithCause(err)
	}

	q.enqueued.Add(1)
	return jobID, nil
}

// Consume starts the consumer group readers plus the delayed-entry promoter
// and the stale-delivery reclaimer. It returns once the goroutines are
// running; they stop when ctx is canceled. Call Close afterwards to wait for
// in-flight handlers to return.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler, concurrency int) error {
	if handler == nil {
		return apperrors.NewInternalError("queue consume requires a handler")
	}
	if !q.consuming.CompareAndSwap(false, true) {
		return apperrors.NewConflictError("queue is already consuming")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	if err := q.ensureGroup(ctx); err != nil {
		q.consuming.Store(false)
		return err
	}

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.readLoop(ctx, handler)
	}
	q.wg.Add(2)
	go q.promoteLoop(ctx)
	go q.reclaimLoop(ctx, handler)

	q.logger.Info("queue consumers started",
		zap.String("queue", q.cfg.QueueName),
		zap.String("consumer", q.consumer),
		zap.Int("concurrency", concurrency),
	)
	return nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.streamKey(), q.group(), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return apperrors.NewQueueUnavailableError(q.cfg.QueueName, "failed to create consumer group").WithCause(err)
	}
	return nil
}

func (q *RedisQueue) readLoop(ctx context.Context, handler Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group(),
			Consumer: q.consumer,
			Streams:  []string{q.streamKey(), ">"},
			Count:    1,
			Block:    q.cfg.BlockInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if !errors.Is(err, redis.Nil) {
				q.logger.Warn("queue read failed", zap.String("queue", q.cfg.QueueName), zap.Error(err))
			}
			if !q.sleep(ctx, q.cfg.IdleSleep) {
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.dispatch(ctx, handler, msg)
			}
		}
	}
}

// dispatch decodes one stream entry and hands it to the handler. Entries that
// cannot be decoded are acknowledged and dropped so a poison payload cannot
// wedge the consumer group.
func (q *RedisQueue) dispatch(ctx context.Context, handler Handler, msg redis.XMessage) {
	envelope, err := decodeEnvelope(msg.Values)
	if err != nil {
		q.logger.Error("dropping undecodable queue entry",
			zap.String("queue", q.cfg.QueueName),
			zap.String("job_id", msg.ID),
			zap.Error(err),
		)
		if ackErr := q.Ack(ctx, msg.ID); ackErr != nil {
			q.logger.Warn("failed to ack poison entry", zap.String("job_id", msg.ID), zap.Error(ackErr))
		}
		return
	}

	envelope.JobID = msg.ID
	q.delivered.Add(1)
	handler(ctx, envelope)
}

// promoteLoop moves due members of the delayed set back into the stream.
// ZREM is the claim: whichever promoter removes the member first re-adds it,
// so concurrent instances never duplicate a promotion.
func (q *RedisQueue) promoteLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.MoveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.promoteDue(ctx, time.Now()); err != nil {
				if !errors.Is(err, context.Canceled) {
					q.logger.Warn("delayed promotion failed", zap.Error(err))
				}
			} else if n > 0 {
				q.logger.Debug("promoted delayed deliveries", zap.Int("count", n))
			}
		}
	}
}

func (q *RedisQueue) promoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: q.cfg.MoveBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		err = q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.streamKey(),
			Values: map[string]interface{}{envelopeField: member},
		}).Err()
		if err != nil {
			// Put it back so the delivery is not lost; it will be retried
			// on the next promotion pass.
			q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: member})
			return promoted, err
		}
		promoted++
		q.moved.Add(1)
	}
	return promoted, nil
}

// reclaimLoop takes over pending entries whose consumer went quiet. Reclaimed
// entries are redelivered to this instance's handler.
func (q *RedisQueue) reclaimLoop(ctx context.Context, handler Handler) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reclaimStale(ctx, handler)
		}
	}
}

func (q *RedisQueue) reclaimStale(ctx context.Context, handler Handler) {
	start := "0-0"
	for {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.streamKey(),
			Group:    q.group(),
			Consumer: q.consumer,
			MinIdle:  q.cfg.ClaimIdle,
			Start:    start,
			Count:    64,
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, redis.Nil) {
				q.logger.Warn("stale delivery reclaim failed", zap.Error(err))
			}
			return
		}
		for _, msg := range msgs {
			q.reclaimed.Add(1)
			q.logger.Info("reclaimed stale delivery",
				zap.String("queue", q.cfg.QueueName),
				zap.String("job_id", msg.ID),
			)
			q.dispatch(ctx, handler, msg)
		}
		if len(msgs) == 0 || next == "" || next == "0-0" {
			return
		}
		start = next
	}
}

// Ack acknowledges and deletes a delivered entry. Events are persisted by the
// handler before ack, so the stream never needs to retain completed entries.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.streamKey(), q.group(), jobID)
	pipe.XDel(ctx, q.streamKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewQueueUnavailableError(q.cfg.QueueName, "failed to ack delivery").WithCause(err)
	}
	return nil
}

// Nack schedules the envelope for redelivery after delay and retires the
// current stream entry. The envelope is written before the old entry is
// acknowledged, so a crash in between yields a duplicate rather than a loss.
// A non-positive delay re-enqueues immediately.
func (q *RedisQueue) Nack(ctx context.Context, envelope *audit.DeliveryEnvelope, delay time.Duration) error {
	if envelope == nil || envelope.JobID == "" {
		return apperrors.NewInternalError("nack requires a delivered envelope with a job id")
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return apperrors.Wrap(err, "marshal delivery envelope")
	}

	jobID := envelope.JobID

	if delay <= 0 {
		pipe := q.client.TxPipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.streamKey(),
			Values: map[string]interface{}{envelopeField: payload},
		})
		pipe.XAck(ctx, q.streamKey(), q.group(), jobID)
		pipe.XDel(ctx, q.streamKey(), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return apperrors.NewQueueUnavailableError(q.cfg.QueueName, "failed to requeue delivery").WithCause(err)
		}
		return nil
	}

	readyAt := time.Now().Add(delay)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(payload)})
	pipe.XAck(ctx, q.streamKey(), q.group(), jobID)
	pipe.XDel(ctx, q.streamKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewQueueUnavailableError(q.cfg.QueueName, "failed to delay delivery").WithCause(err)
	}
	return nil
}

// Peek returns the envelope for a job id without consuming it.
func (q *RedisQueue) Peek(ctx context.Context, jobID string) (*audit.DeliveryEnvelope, error) {
	msgs, err := q.client.XRange(ctx, q.streamKey(), jobID, jobID).Result()
	if err != nil {
		return nil, apperrors.NewQueueUnavailableError(q.cfg.QueueName, "failed to peek delivery").WithCause(err)
	}
	if len(msgs) == 0 {
		return nil, apperrors.NewNotFoundError("queued job")
	}
	envelope, err := decodeEnvelope(msgs[0].Values)
	if err != nil {
		return nil, err
	}
	envelope.JobID = msgs[0].ID
	return envelope, nil
}

// Depth is the number of ready entries in the stream. Delayed and pending
// entries are reported separately by Stats.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.XLen(ctx, q.streamKey()).Result()
	if err != nil {
		return 0, apperrors.NewQueueUnavailableError(q.cfg.QueueName, "failed to read queue depth").WithCause(err)
	}
	return depth, nil
}

// Stats gathers backlog counters for monitoring.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{QueueName: q.cfg.QueueName}

	depth, err := q.client.XLen(ctx, q.streamKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperrors.NewQueueUnavailableError(q.cfg.QueueName, "failed to read queue stats").WithCause(err)
	}
	stats.StreamDepth = depth

	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperrors.NewQueueUnavailableError(q.cfg.QueueName, "failed to read delayed count").WithCause(err)
	}
	stats.DelayedCount = delayed

	pending, err := q.client.XPending(ctx, q.streamKey(), q.group()).Result()
	if err == nil && pending != nil {
		stats.PendingCount = pending.Count
		stats.Consumers = int64(len(pending.Consumers))
	}

	return stats, nil
}

// Close waits for consumer goroutines to finish. Cancel the Consume context
// first; Close does not interrupt a running handler.
func (q *RedisQueue) Close() error {
	q.wg.Wait()
	q.consuming.Store(false)
	return nil
}

// sleep waits d or until ctx is done, reporting false on cancellation.
func (q *RedisQueue) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func decodeEnvelope(values map[string]interface{}) (*audit.DeliveryEnvelope, error) {
	raw, ok := values[envelopeField]
	if !ok {
		return nil, apperrors.NewInternalError("queue entry has no envelope field")
	}
	var payload []byte
	switch v := raw.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return nil, apperrors.NewInternalError(fmt.Sprintf("unexpected envelope field type %T", raw))
	}

	var envelope audit.DeliveryEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, apperrors.Wrap(err, "decode delivery envelope")
	}
	if envelope.Event == nil {
		return nil, apperrors.NewInternalError("queue entry envelope has no event")
	}
	return &envelope, nil
}
