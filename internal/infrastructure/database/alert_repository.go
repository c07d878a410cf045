package database

import (
	"context"
	"encoding/json"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// AlertRepository stores operational alerts in the alerts table. It backs
// both the dead-letter threshold alerts and the storage threshold alerts.
type AlertRepository struct {
	client *StorageClient
}

// NewAlertRepository creates the repository.
func NewAlertRepository(client *StorageClient) *AlertRepository {
	return &AlertRepository{client: client}
}

// RecordAlert persists one alert. CreatedAt defaults server-side when zero.
func (r *AlertRepository) RecordAlert(ctx context.Context, alert audit.Alert) error {
	var details []byte
	if len(alert.Details) > 0 {
		encoded, err := json.Marshal(alert.Details)
		if err != nil {
			return apperrors.NewInternalError("failed to marshal alert details").WithCause(err)
		}
		details = encoded
	}

	var err error
	if alert.CreatedAt.IsZero() {
		_, err = r.client.Pool().Pool().Exec(ctx, `
			INSERT INTO alerts (source, severity, message, details)
			VALUES ($1, $2, $3, $4)`,
			alert.Source, string(alert.Severity), alert.Message, details)
	} else {
		_, err = r.client.Pool().Pool().Exec(ctx, `
			INSERT INTO alerts (source, severity, message, details, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			alert.Source, string(alert.Severity), alert.Message, details, alert.CreatedAt.UTC())
	}
	if err != nil {
		return apperrors.Wrap(err, "failed to record alert")
	}
	return nil
}

// RecentAlerts returns the newest alerts, most recent first.
func (r *AlertRepository) RecentAlerts(ctx context.Context, limit int) ([]audit.Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.client.Pool().Pool().Query(ctx, `
		SELECT id, source, severity, message, COALESCE(details, 'null'::jsonb), created_at
		FROM alerts
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to query alerts")
	}
	defer rows.Close()

	var alerts []audit.Alert
	for rows.Next() {
		var alert audit.Alert
		var severity string
		var details []byte
		if err := rows.Scan(&alert.ID, &alert.Source, &severity, &alert.Message, &details, &alert.CreatedAt); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan alert")
		}
		alert.Severity = audit.AlertSeverity(severity)
		if len(details) > 0 && string(details) != "null" {
			if err := json.Unmarshal(details, &alert.Details); err != nil {
				return nil, apperrors.NewInternalError("failed to unmarshal alert details").WithCause(err)
			}
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}
