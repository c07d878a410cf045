package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// DeadLetterStore persists exhausted deliveries in Redis. Records live in a
// hash keyed by record id with a sorted-set time index scored by the last
// failure time, which makes retention purges a single range scan.
type DeadLetterStore struct {
	client    *redis.Client
	queueName string
	prefix    string
	logger    *zap.Logger
}

// NewDeadLetterStore wraps an existing Redis client for the named queue.
func NewDeadLetterStore(client *redis.Client, queueName, prefix string, logger *zap.Logger) *DeadLetterStore {
	if prefix == "" {
		prefix = "audit"
	}
	if queueName == "" {
		queueName = "audit-events"
	}
	return &DeadLetterStore{
		client:    client,
		queueName: queueName,
		prefix:    prefix,
		logger:    logger.Named("dlq_store"),
	}
}

func (s *DeadLetterStore) recordsKey() string {
	return fmt.Sprintf("%s:dlq:%s:records", s.prefix, s.queueName)
}

func (s *DeadLetterStore) indexKey() string {
	return fmt.Sprintf("%s:dlq:%s:index", s.prefix, s.queueName)
}

// Add stores the record and indexes it by last failure time.
func (s *DeadLetterStore) Add(ctx context.Context, record *audit.DeadLetterRecord) error {
	if record == nil || record.ID == uuid.Nil {
		return apperrors.NewInternalError("dead letter record requires an id")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return apperrors.Wrap(err, "marshal dead letter record")
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.recordsKey(), record.ID.String(), payload)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(record.LastFailureAt.UnixMilli()),
		Member: record.ID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewQueueUnavailableError(s.queueName, "failed to store dead letter record").WithCause(err)
	}
	return nil
}

// Get fetches one record by id.
func (s *DeadLetterStore) Get(ctx context.Context, id uuid.UUID) (*audit.DeadLetterRecord, error) {
	payload, err := s.client.HGet(ctx, s.recordsKey(), id.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NewNotFoundError("dead letter record")
		}
		return nil, apperrors.NewQueueUnavailableError(s.queueName, "failed to load dead letter record").WithCause(err)
	}

	var record audit.DeadLetterRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, apperrors.Wrap(err, "decode dead letter record")
	}
	return &record, nil
}

// List returns up to limit records, newest failures first. A non-positive
// limit returns everything.
func (s *DeadLetterStore) List(ctx context.Context, limit int64) ([]*audit.DeadLetterRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, apperrors.NewQueueUnavailableError(s.queueName, "failed to list dead letter records").WithCause(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	payloads, err := s.client.HMGet(ctx, s.recordsKey(), ids...).Result()
	if err != nil {
		return nil, apperrors.NewQueueUnavailableError(s.queueName, "failed to load dead letter records").WithCause(err)
	}

	records := make([]*audit.DeadLetterRecord, 0, len(payloads))
	for i, payload := range payloads {
		str, ok := payload.(string)
		if !ok {
			// Index entry without a record, usually a purge race. Skip it.
			s.logger.Debug("dead letter index entry missing record", zap.String("id", ids[i]))
			continue
		}
		var record audit.DeadLetterRecord
		if err := json.Unmarshal([]byte(str), &record); err != nil {
			s.logger.Warn("skipping undecodable dead letter record", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

// Remove deletes one record and its index entry.
func (s *DeadLetterStore) Remove(ctx context.Context, id uuid.UUID) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.recordsKey(), id.String())
	pipe.ZRem(ctx, s.indexKey(), id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewQueueUnavailableError(s.queueName, "failed to remove dead letter record").WithCause(err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, apperrors.NewQueueUnavailableError(s.queueName, "failed to count dead letter records").WithCause(err)
	}
	return count, nil
}

// TrimToSize drops the oldest records until at most max remain, returning how
// many were removed.
func (s *DeadLetterStore) TrimToSize(ctx context.Context, max int64) (int, error) {
	if max < 0 {
		max = 0
	}
	count, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, apperrors.NewQueueUnavailableError(s.queueName, "failed to count dead letter records").WithCause(err)
	}
	if count <= max {
		return 0, nil
	}

	excess := count - max
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, excess-1).Result()
	if err != nil {
		return 0, apperrors.NewQueueUnavailableError(s.queueName, "failed to scan dead letter overflow").WithCause(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.recordsKey(), ids...)
	pipe.ZRem(ctx, s.indexKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, apperrors.NewQueueUnavailableError(s.queueName, "failed to trim dead letter records").WithCause(err)
	}
	return len(ids), nil
}

// PurgeOlderThan removes records whose last failure predates cutoff and
// returns how many were dropped.
func (s *DeadLetterStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	max := fmt.Sprintf("(%d", cutoff.UnixMilli())
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, apperrors.NewQueueUnavailableError(s.queueName, "failed to scan dead letter retention").WithCause(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.recordsKey(), ids...)
	pipe.ZRem(ctx, s.indexKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, apperrors.NewQueueUnavailableError(s.queueName, "failed to purge dead letter records").WithCause(err)
	}
	return len(ids), nil
}
