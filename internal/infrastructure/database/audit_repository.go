package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// Default and ceiling for report query result sizes.
const (
	defaultQueryLimit = 1000
	maxQueryLimit     = 10000
)

const insertEventSQL = `
	INSERT INTO audit_log (
		id, timestamp, event_time_raw, action, status,
		principal_id, organization_id, target_resource_type, target_resource_id,
		outcome_description, data_classification, retention_policy,
		event_version, hash_algorithm, correlation_id,
		session_id, ip_address, user_agent, geolocation,
		processing_latency_ms, queue_depth, custom_fields, hash, signature
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
	)`

// selectEventColumns must stay aligned with scanEvent.
const selectEventColumns = `
	id, event_time_raw, action, status,
	COALESCE(principal_id, ''), COALESCE(organization_id, ''),
	COALESCE(target_resource_type, ''), COALESCE(target_resource_id, ''),
	COALESCE(outcome_description, ''), data_classification, retention_policy,
	event_version, hash_algorithm, COALESCE(correlation_id, ''),
	COALESCE(session_id, ''), COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(geolocation, ''),
	processing_latency_ms, queue_depth, custom_fields,
	COALESCE(hash, ''), COALESCE(signature, '')`

// AuditRepository persists audit events in the partitioned audit_log table.
// The table keys on (id, timestamp): the parsed timestamp routes rows to
// range partitions while event_time_raw preserves the exact string the hash
// was computed over.
type AuditRepository struct {
	client *StorageClient
}

// NewAuditRepository creates the repository on top of the storage client so
// reads participate in caching and replica routing.
func NewAuditRepository(client *StorageClient) *AuditRepository {
	return &AuditRepository{client: client}
}

// Store persists a single event. Duplicates surface as conflicts; an insert
// landing outside every partition surfaces as a retryable partition-missing
// error so the caller can create the partition and retry.
func (r *AuditRepository) Store(ctx context.Context, event *audit.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	args, err := insertArgs(event)
	if err != nil {
		return err
	}

	if _, err := r.client.Pool().Pool().Exec(ctx, insertEventSQL, args...); err != nil {
		return classifyInsertError(err, event)
	}
	return nil
}

// StoreBatch persists events atomically inside one transaction using a
// pipelined batch. Any failure rolls the whole batch back.
func (r *AuditRepository) StoreBatch(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, event := range events {
		if err := event.Validate(); err != nil {
			return apperrors.Wrap(err, fmt.Sprintf("event %d failed validation", i))
		}
		args, err := insertArgs(event)
		if err != nil {
			return apperrors.Wrap(err, fmt.Sprintf("event %d could not be encoded", i))
		}
		batch.Queue(insertEventSQL, args...)
	}

	err := r.client.Pool().Transaction(ctx, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for i := range events {
			if _, err := results.Exec(); err != nil {
				return classifyInsertError(err, events[i])
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Invalidation is a bulk-write concern; single inserts rely on entry TTLs.
	r.client.InvalidateQueries("*")
	return nil
}

// GetByID retrieves an event across all partitions.
func (r *AuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*audit.Event, error) {
	row := r.client.Pool().Pool().QueryRow(ctx,
		`SELECT `+selectEventColumns+` FROM audit_log WHERE id = $1 LIMIT 1`, id)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrEventNotFound
		}
		return nil, apperrors.Wrap(err, "failed to load audit event")
	}
	return event, nil
}

// Query retrieves events matching the criteria, newest first. A zero limit
// defaults to 1000 rows; limits are capped at 10000.
func (r *AuditRepository) Query(ctx context.Context, criteria audit.ReportCriteria) ([]*audit.Event, error) {
	where, args := buildCriteriaFilter(criteria)

	limit := criteria.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM audit_log %s ORDER BY timestamp DESC LIMIT $%d`,
		selectEventColumns, where, len(args))

	return ExecuteMonitored(ctx, r.client, "audit_log.query",
		func(ctx context.Context, pool *pgxpool.Pool) ([]*audit.Event, error) {
			rows, err := pool.Query(ctx, query, args...)
			if err != nil {
				return nil, apperrors.Wrap(err, "failed to query audit events")
			}
			defer rows.Close()

			var events []*audit.Event
			for rows.Next() {
				event, err := scanEvent(rows)
				if err != nil {
					return nil, apperrors.Wrap(err, "failed to scan audit event")
				}
				events = append(events, event)
			}
			return events, rows.Err()
		},
		QueryOptions{ReadOnly: true},
	)
}

// Count returns how many stored events match the criteria.
func (r *AuditRepository) Count(ctx context.Context, criteria audit.ReportCriteria) (int64, error) {
	where, args := buildCriteriaFilter(criteria)
	query := `SELECT COUNT(*) FROM audit_log ` + where

	return ExecuteMonitored(ctx, r.client, "audit_log.count",
		func(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
			var count int64
			if err := pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
				return 0, apperrors.Wrap(err, "failed to count audit events")
			}
			return count, nil
		},
		QueryOptions{ReadOnly: true},
	)
}

// PseudonymizePrincipal rewrites a principal identifier across all events.
// Hashes over the original principal become unverifiable; integrity reports
// account for that. A non-nil record is inserted in the same transaction,
// so the rewrite never lands without its trace. Returns the number of
// rewritten rows.
func (r *AuditRepository) PseudonymizePrincipal(ctx context.Context, principalID, replacement string, record *audit.Event) (int64, error) {
	if principalID == "" {
		return 0, apperrors.NewValidationError("MISSING_PRINCIPAL", "principal id is required")
	}
	if replacement == "" {
		return 0, apperrors.NewValidationError("MISSING_REPLACEMENT", "replacement pseudonym is required")
	}

	var recordArgs []interface{}
	if record != nil {
		if err := record.Validate(); err != nil {
			return 0, err
		}
		args, err := insertArgs(record)
		if err != nil {
			return 0, err
		}
		recordArgs = args
	}

	var rewritten int64
	err := r.client.Pool().Transaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE audit_log SET principal_id = $2 WHERE principal_id = $1`,
			principalID, replacement)
		if err != nil {
			return apperrors.Wrap(err, "failed to pseudonymize principal")
		}
		rewritten = tag.RowsAffected()

		if recordArgs != nil {
			if _, err := tx.Exec(ctx, insertEventSQL, recordArgs...); err != nil {
				return classifyInsertError(err, record)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.client.InvalidateQueries("*")
	return rewritten, nil
}

// insertArgs encodes an event into the insert parameter list. Optional
// strings become NULL so filters never match empty-string placeholders.
func insertArgs(event *audit.Event) ([]interface{}, error) {
	occurredAt, err := event.OccurredAt()
	if err != nil {
		return nil, err
	}

	var customFields []byte
	if len(event.CustomFields) > 0 {
		customFields, err = json.Marshal(event.CustomFields)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to marshal custom fields").WithCause(err)
		}
	}

	var sessionID, ipAddress, userAgent, geolocation string
	if sc := event.SessionContext; sc != nil {
		sessionID, ipAddress, userAgent, geolocation = sc.SessionID, sc.IPAddress, sc.UserAgent, sc.Geolocation
	}

	return []interface{}{
		event.ID,
		occurredAt.UTC(),
		event.Timestamp,
		event.Action,
		string(event.Status),
		nullIfEmpty(event.PrincipalID),
		nullIfEmpty(event.OrganizationID),
		nullIfEmpty(event.TargetResourceType),
		nullIfEmpty(event.TargetResourceID),
		nullIfEmpty(event.OutcomeDescription),
		string(event.DataClassification),
		event.RetentionPolicy,
		event.EventVersion,
		event.HashAlgorithm,
		nullIfEmpty(event.CorrelationID),
		nullIfEmpty(sessionID),
		nullIfEmpty(ipAddress),
		nullIfEmpty(userAgent),
		nullIfEmpty(geolocation),
		event.ProcessingLatencyMs,
		event.QueueDepth,
		customFields,
		nullIfEmpty(event.Hash),
		nullIfEmpty(event.Signature),
	}, nil
}

// scanEvent rebuilds an event from a row produced with selectEventColumns.
func scanEvent(row pgx.Row) (*audit.Event, error) {
	var (
		event          audit.Event
		status         string
		classification string
		sessionID      string
		ipAddress      string
		userAgent      string
		geolocation    string
		customFields   []byte
	)

	err := row.Scan(
		&event.ID, &event.Timestamp, &event.Action, &status,
		&event.PrincipalID, &event.OrganizationID,
		&event.TargetResourceType, &event.TargetResourceID,
		&event.OutcomeDescription, &classification, &event.RetentionPolicy,
		&event.EventVersion, &event.HashAlgorithm, &event.CorrelationID,
		&sessionID, &ipAddress, &userAgent, &geolocation,
		&event.ProcessingLatencyMs, &event.QueueDepth, &customFields,
		&event.Hash, &event.Signature,
	)
	if err != nil {
		return nil, err
	}

	event.Status = audit.Status(status)
	event.DataClassification = audit.DataClassification(classification)

	if sessionID != "" || ipAddress != "" || userAgent != "" || geolocation != "" {
		event.SessionContext = &audit.SessionContext{
			SessionID:   sessionID,
			IPAddress:   ipAddress,
			UserAgent:   userAgent,
			Geolocation: geolocation,
		}
	}
	if len(customFields) > 0 {
		if err := json.Unmarshal(customFields, &event.CustomFields); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal custom fields").WithCause(err)
		}
	}
	return &event, nil
}

// buildCriteriaFilter renders report criteria as a WHERE clause with
// positional parameters. pgx binds []string and []time.Time natively for
// the ANY comparisons.
func buildCriteriaFilter(criteria audit.ReportCriteria) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	arg := func(value interface{}) int {
		args = append(args, value)
		return len(args)
	}

	if !criteria.DateRange.StartDate.IsZero() {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", arg(criteria.DateRange.StartDate.UTC())))
	}
	if !criteria.DateRange.EndDate.IsZero() {
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", arg(criteria.DateRange.EndDate.UTC())))
	}
	if len(criteria.PrincipalIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("principal_id = ANY($%d)", arg(criteria.PrincipalIDs)))
	}
	if len(criteria.OrganizationIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("organization_id = ANY($%d)", arg(criteria.OrganizationIDs)))
	}
	if len(criteria.Actions) > 0 {
		conditions = append(conditions, fmt.Sprintf("action = ANY($%d)", arg(criteria.Actions)))
	}
	if len(criteria.Statuses) > 0 {
		statuses := make([]string, len(criteria.Statuses))
		for i, s := range criteria.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", arg(statuses)))
	}
	if len(criteria.DataClassifications) > 0 {
		classifications := make([]string, len(criteria.DataClassifications))
		for i, c := range criteria.DataClassifications {
			classifications[i] = string(c)
		}
		conditions = append(conditions, fmt.Sprintf("data_classification = ANY($%d)", arg(classifications)))
	}
	if len(criteria.ResourceTypes) > 0 {
		conditions = append(conditions, fmt.Sprintf("target_resource_type = ANY($%d)", arg(criteria.ResourceTypes)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// classifyInsertError maps Postgres insert failures onto domain errors.
// 23505 is a duplicate event id; 23514 on a partitioned table means no
// partition covers the row's timestamp.
func classifyInsertError(err error, event *audit.Event) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperrors.ErrDuplicateEvent
		case "23514":
			if strings.Contains(pgErr.Message, "no partition") {
				return apperrors.NewPartitionMissingError("audit_log", event.Timestamp).WithCause(err)
			}
		}
	}
	return apperrors.Wrap(err, "failed to store audit event")
}

// nullIfEmpty maps empty strings to SQL NULL.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
