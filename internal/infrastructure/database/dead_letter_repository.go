package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// DeadLetterRepository persists exhausted deliveries in the audit_dead_letter
// table. It is the durable alternative to the Redis store for deployments
// that want dead letters to survive a cache flush; selected via
// processor.dlq.storage.
type DeadLetterRepository struct {
	pool      *ConnectionPool
	queueName string
	logger    *zap.Logger
}

// NewDeadLetterRepository creates the repository scoped to one queue.
func NewDeadLetterRepository(pool *ConnectionPool, queueName string, logger *zap.Logger) *DeadLetterRepository {
	if queueName == "" {
		queueName = "audit-events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterRepository{
		pool:      pool,
		queueName: queueName,
		logger:    logger.Named("dlq_repository"),
	}
}

// Add stores the record. Record ids are freshly generated per dead-lettering,
// so a conflict means a true double insert and is surfaced.
func (r *DeadLetterRepository) Add(ctx context.Context, record *audit.DeadLetterRecord) error {
	if record == nil || record.ID == uuid.Nil {
		return apperrors.NewInternalError("dead letter record requires an id")
	}

	eventPayload, err := json.Marshal(record.OriginalEvent)
	if err != nil {
		return apperrors.Wrap(err, "marshal dead letter event")
	}
	var attemptsPayload []byte
	if len(record.Attempts) > 0 {
		attemptsPayload, err = json.Marshal(record.Attempts)
		if err != nil {
			return apperrors.Wrap(err, "marshal dead letter attempts")
		}
	}

	_, err = r.pool.Pool().Exec(ctx, `
		INSERT INTO audit_dead_letter (
			id, original_queue, failure_reason, failure_count,
			first_failure_at, last_failure_at, original_event, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, r.queueName, record.FailureReason, record.FailureCount,
		record.FirstFailureAt, record.LastFailureAt, eventPayload, attemptsPayload,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to store dead letter record")
	}
	return nil
}

// Get fetches one record by id.
func (r *DeadLetterRepository) Get(ctx context.Context, id uuid.UUID) (*audit.DeadLetterRecord, error) {
	row := r.pool.Pool().QueryRow(ctx, `
		SELECT id, original_queue, failure_reason, failure_count,
		       first_failure_at, last_failure_at, original_event,
		       COALESCE(attempts, 'null'::jsonb)
		FROM audit_dead_letter
		WHERE id = $1`, id)

	record, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("dead letter record")
		}
		return nil, apperrors.Wrap(err, "failed to load dead letter record")
	}
	return record, nil
}

// List returns up to limit records for this queue, newest failures first.
// A non-positive limit returns everything.
func (r *DeadLetterRepository) List(ctx context.Context, limit int64) ([]*audit.DeadLetterRecord, error) {
	query := `
		SELECT id, original_queue, failure_reason, failure_count,
		       first_failure_at, last_failure_at, original_event,
		       COALESCE(attempts, 'null'::jsonb)
		FROM audit_dead_letter
		WHERE original_queue = $1
		ORDER BY last_failure_at DESC`
	args := []interface{}{r.queueName}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list dead letter records")
	}
	defer rows.Close()

	var records []*audit.DeadLetterRecord
	for rows.Next() {
		record, err := scanDeadLetter(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to scan dead letter record")
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Remove deletes one record. Removing an absent record is not an error.
func (r *DeadLetterRepository) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Pool().Exec(ctx,
		`DELETE FROM audit_dead_letter WHERE id = $1`, id); err != nil {
		return apperrors.Wrap(err, "failed to remove dead letter record")
	}
	return nil
}

// Count reports how many records this queue holds.
func (r *DeadLetterRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_dead_letter WHERE original_queue = $1`,
		r.queueName).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to count dead letter records")
	}
	return count, nil
}

// TrimToSize drops the oldest records until at most max remain, returning how
// many were removed.
func (r *DeadLetterRepository) TrimToSize(ctx context.Context, max int64) (int, error) {
	if max < 0 {
		max = 0
	}
	tag, err := r.pool.Pool().Exec(ctx, `
		DELETE FROM audit_dead_letter
		WHERE original_queue = $1
		  AND id NOT IN (
			SELECT id FROM audit_dead_letter
			WHERE original_queue = $1
			ORDER BY last_failure_at DESC
			LIMIT $2
		  )`, r.queueName, max)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to trim dead letter records")
	}
	return int(tag.RowsAffected()), nil
}

// PurgeOlderThan removes records whose last failure predates cutoff and
// returns how many were dropped.
func (r *DeadLetterRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Pool().Exec(ctx, `
		DELETE FROM audit_dead_letter
		WHERE original_queue = $1 AND last_failure_at < $2`,
		r.queueName, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to purge dead letter records")
	}
	purged := int(tag.RowsAffected())
	if purged > 0 {
		r.logger.Debug("purged dead letter records",
			zap.Int("purged", purged),
			zap.Time("cutoff", cutoff))
	}
	return purged, nil
}

func scanDeadLetter(row pgx.Row) (*audit.DeadLetterRecord, error) {
	var (
		record          audit.DeadLetterRecord
		eventPayload    []byte
		attemptsPayload []byte
	)
	err := row.Scan(
		&record.ID, &record.OriginalQueue, &record.FailureReason, &record.FailureCount,
		&record.FirstFailureAt, &record.LastFailureAt, &eventPayload, &attemptsPayload,
	)
	if err != nil {
		return nil, err
	}

	if len(eventPayload) > 0 {
		var event audit.Event
		if err := json.Unmarshal(eventPayload, &event); err != nil {
			return nil, apperrors.Wrap(err, "decode dead letter event")
		}
		record.OriginalEvent = &event
	}
	if len(attemptsPayload) > 0 && string(attemptsPayload) != "null" {
		if err := json.Unmarshal(attemptsPayload, &record.Attempts); err != nil {
			return nil, apperrors.Wrap(err, "decode dead letter attempts")
		}
	}
	return &record, nil
}
