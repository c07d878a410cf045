package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// RetentionPolicyRepository resolves the retention policy tags events carry.
// It also supplies the partition manager's retention floor: partitions are
// never dropped while any policy still demands their rows.
type RetentionPolicyRepository struct {
	client *StorageClient
}

// NewRetentionPolicyRepository creates the repository.
func NewRetentionPolicyRepository(client *StorageClient) *RetentionPolicyRepository {
	return &RetentionPolicyRepository{client: client}
}

// GetPolicy looks a policy up by name.
func (r *RetentionPolicyRepository) GetPolicy(ctx context.Context, name string) (*audit.RetentionPolicy, error) {
	var policy audit.RetentionPolicy
	err := r.client.Pool().Pool().QueryRow(ctx, `
		SELECT name, retention_days, COALESCE(description, ''), updated_at
		FROM audit_retention_policy
		WHERE name = $1`, name).
		Scan(&policy.Name, &policy.RetentionDays, &policy.Description, &policy.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("retention policy " + name)
		}
		return nil, apperrors.Wrap(err, "failed to load retention policy")
	}
	return &policy, nil
}

// ListPolicies returns every policy ordered by name.
func (r *RetentionPolicyRepository) ListPolicies(ctx context.Context) ([]*audit.RetentionPolicy, error) {
	rows, err := r.client.Pool().Pool().Query(ctx, `
		SELECT name, retention_days, COALESCE(description, ''), updated_at
		FROM audit_retention_policy
		ORDER BY name`)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list retention policies")
	}
	defer rows.Close()

	var policies []*audit.RetentionPolicy
	for rows.Next() {
		var policy audit.RetentionPolicy
		if err := rows.Scan(&policy.Name, &policy.RetentionDays, &policy.Description, &policy.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan retention policy")
		}
		policies = append(policies, &policy)
	}
	return policies, rows.Err()
}

// UpsertPolicy creates or updates a policy by name.
func (r *RetentionPolicyRepository) UpsertPolicy(ctx context.Context, policy audit.RetentionPolicy) error {
	if policy.Name == "" {
		return apperrors.NewValidationError("MISSING_POLICY_NAME", "retention policy name is required")
	}
	if policy.RetentionDays <= 0 {
		return apperrors.NewValidationError("INVALID_RETENTION", "retention days must be positive")
	}

	_, err := r.client.Pool().Pool().Exec(ctx, `
		INSERT INTO audit_retention_policy (name, retention_days, description, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE
		SET retention_days = EXCLUDED.retention_days,
		    description = EXCLUDED.description,
		    updated_at = NOW()`,
		policy.Name, policy.RetentionDays, nullIfEmpty(policy.Description))
	if err != nil {
		return apperrors.Wrap(err, "failed to upsert retention policy")
	}
	return nil
}

// MaxRetentionDays reports the longest retention any policy demands, zero
// when no policies exist. Satisfies the partition manager's floor contract.
func (r *RetentionPolicyRepository) MaxRetentionDays(ctx context.Context) (int, error) {
	var days int
	err := r.client.Pool().Pool().QueryRow(ctx,
		`SELECT COALESCE(MAX(retention_days), 0) FROM audit_retention_policy`).Scan(&days)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to resolve max retention")
	}
	return days, nil
}
