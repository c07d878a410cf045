package database

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// IntegrityLogRepository persists verification passes in audit_integrity_log.
// The sidecar is append-only: a tampered event leaves a trace here even if
// the report that found it is discarded.
type IntegrityLogRepository struct {
	client *StorageClient
}

// NewIntegrityLogRepository creates the repository.
func NewIntegrityLogRepository(client *StorageClient) *IntegrityLogRepository {
	return &IntegrityLogRepository{client: client}
}

// RecordVerification persists the outcome of one verification pass.
func (r *IntegrityLogRepository) RecordVerification(ctx context.Context, report *audit.IntegrityReport) error {
	if report == nil {
		return apperrors.NewValidationError("MISSING_REPORT", "integrity report is required")
	}

	var failures []byte
	if len(report.Failures) > 0 {
		encoded, err := json.Marshal(report.Failures)
		if err != nil {
			return apperrors.NewInternalError("failed to marshal integrity failures").WithCause(err)
		}
		failures = encoded
	}

	_, err := r.client.Pool().Pool().Exec(ctx, `
		INSERT INTO audit_integrity_log (
			verification_id, verified_at, total_events, verified_events,
			failed_verifications, verification_rate, failures
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		report.VerificationID,
		report.VerifiedAt.UTC(),
		report.Results.TotalEvents,
		report.Results.VerifiedEvents,
		report.Results.FailedVerifications,
		report.Results.VerificationRate,
		failures,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to record integrity verification")
	}
	return nil
}

// LastVerification returns the most recent pass, or nil when none has run.
func (r *IntegrityLogRepository) LastVerification(ctx context.Context) (*audit.IntegrityReport, error) {
	row := r.client.Pool().Pool().QueryRow(ctx, `
		SELECT verification_id, verified_at, total_events, verified_events,
		       failed_verifications, verification_rate, failures
		FROM audit_integrity_log
		ORDER BY verified_at DESC
		LIMIT 1`)

	var report audit.IntegrityReport
	var failures []byte
	err := row.Scan(
		&report.VerificationID,
		&report.VerifiedAt,
		&report.Results.TotalEvents,
		&report.Results.VerifiedEvents,
		&report.Results.FailedVerifications,
		&report.Results.VerificationRate,
		&failures,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "failed to load last integrity verification")
	}

	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &report.Failures); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal integrity failures").WithCause(err)
		}
	}
	return &report, nil
}
