package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventRepository defines the persistence contract for audit events.
// Implementations must be safe for concurrent use; the ingestion path is
// append-only and pseudonymization is the only sanctioned mutation.
type EventRepository interface {
	// Store persists a single event. Duplicate IDs are conflicts, not
	// overwrites: the stored record is immutable.
	Store(ctx context.Context, event *Event) error

	// StoreBatch persists events atomically; either all rows land or none.
	StoreBatch(ctx context.Context, events []*Event) error

	// GetByID retrieves an event by its identifier.
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)

	// Query retrieves events matching the criteria, newest first, bounded
	// by criteria.Limit.
	Query(ctx context.Context, criteria ReportCriteria) ([]*Event, error)

	// Count returns how many stored events match the criteria.
	Count(ctx context.Context, criteria ReportCriteria) (int64, error)

	// PseudonymizePrincipal rewrites principal identifiers for GDPR
	// erasure. This is the privileged exception to append-only storage;
	// hashes over the original principal become unverifiable and
	// subsequent integrity reports must reflect that. A non-nil record is
	// inserted in the same transaction as the rewrite, so the erasure
	// cannot land without its trace.
	PseudonymizePrincipal(ctx context.Context, principalID, replacement string, record *Event) (int64, error)
}

// IntegrityLogRepository records verification outcomes in the sidecar
// integrity log so tampering leaves a durable trace even if the report
// itself is discarded.
type IntegrityLogRepository interface {
	// RecordVerification persists the outcome of one verification pass.
	RecordVerification(ctx context.Context, report *IntegrityReport) error

	// LastVerification returns the most recent verification pass, or nil
	// when none has run.
	LastVerification(ctx context.Context) (*IntegrityReport, error)
}

// AlertSeverity grades operational alerts.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert is an operational notification raised by the pipeline: DLQ growth,
// pool saturation, slow queries, partition sprawl.
type Alert struct {
	ID        int64                  `json:"id"`
	Source    string                 `json:"source"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// AlertSink persists alerts. Failures here are logged and swallowed; an
// alerting outage must never take the pipeline down with it.
type AlertSink interface {
	RecordAlert(ctx context.Context, alert Alert) error
	RecentAlerts(ctx context.Context, limit int) ([]Alert, error)
}

// RetentionPolicy names how long a class of events must be kept.
type RetentionPolicy struct {
	Name          string    `json:"name"`
	RetentionDays int       `json:"retention_days"`
	Description   string    `json:"description,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RetentionPolicyRepository resolves policy tags carried on events.
type RetentionPolicyRepository interface {
	GetPolicy(ctx context.Context, name string) (*RetentionPolicy, error)
	ListPolicies(ctx context.Context) ([]*RetentionPolicy, error)
	UpsertPolicy(ctx context.Context, policy RetentionPolicy) error
}
