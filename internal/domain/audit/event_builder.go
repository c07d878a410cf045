package audit

import (
	"time"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/google/uuid"
)

// EventBuilder provides a fluent interface for assembling audit events.
// Errors accumulate; the first failure wins and Build reports it.
type EventBuilder struct {
	event *Event
	err   error
}

// NewEventBuilder starts an event for the given action with ingestion
// defaults applied. Status defaults to success.
func NewEventBuilder(action string) *EventBuilder {
	b := &EventBuilder{
		event: &Event{
			ID:                 uuid.New(),
			Timestamp:          time.Now().UTC().Format(time.RFC3339Nano),
			Action:             action,
			Status:             StatusSuccess,
			DataClassification: ClassificationInternal,
			RetentionPolicy:    DefaultRetentionPolicy,
			EventVersion:       DefaultEventVersion,
			HashAlgorithm:      HashAlgorithmSHA256,
		},
	}

	if action == "" {
		b.err = errors.NewValidationError("MISSING_ACTION", "action cannot be empty")
	}
	return b
}

// WithStatus sets the outcome status.
func (b *EventBuilder) WithStatus(status Status) *EventBuilder {
	if b.err != nil {
		return b
	}
	if err := validateStatus(status); err != nil {
		b.err = err
		return b
	}
	b.event.Status = status
	return b
}

// WithPrincipal sets who performed the action and on behalf of which
// organization.
func (b *EventBuilder) WithPrincipal(principalID, organizationID string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.PrincipalID = principalID
	b.event.OrganizationID = organizationID
	return b
}

// WithTarget sets what was acted upon.
func (b *EventBuilder) WithTarget(resourceType, resourceID string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.TargetResourceType = resourceType
	b.event.TargetResourceID = resourceID
	return b
}

// WithOutcome sets the human-readable outcome description.
func (b *EventBuilder) WithOutcome(description string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.OutcomeDescription = description
	return b
}

// WithClassification sets the data sensitivity label.
func (b *EventBuilder) WithClassification(dc DataClassification) *EventBuilder {
	if b.err != nil {
		return b
	}
	if err := validateClassification(dc); err != nil {
		b.err = err
		return b
	}
	b.event.DataClassification = dc
	return b
}

// WithRetentionPolicy names the retention policy row governing this event.
func (b *EventBuilder) WithRetentionPolicy(policy string) *EventBuilder {
	if b.err != nil {
		return b
	}
	if policy == "" {
		b.err = errors.NewValidationError("MISSING_RETENTION_POLICY",
			"retention policy cannot be empty")
		return b
	}
	b.event.RetentionPolicy = policy
	return b
}

// WithSession attaches the client session context.
func (b *EventBuilder) WithSession(sessionID, ipAddress, userAgent string) *EventBuilder {
	if b.err != nil {
		return b
	}
	if b.event.SessionContext == nil {
		b.event.SessionContext = &SessionContext{}
	}
	b.event.SessionContext.SessionID = sessionID
	b.event.SessionContext.IPAddress = ipAddress
	b.event.SessionContext.UserAgent = userAgent
	return b
}

// WithGeolocation records where the session originated.
func (b *EventBuilder) WithGeolocation(location string) *EventBuilder {
	if b.err != nil {
		return b
	}
	if b.event.SessionContext == nil {
		b.event.SessionContext = &SessionContext{}
	}
	b.event.SessionContext.Geolocation = location
	return b
}

// WithCorrelationID ties the event to a distributed trace or request chain.
func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.CorrelationID = id
	return b
}

// WithTimestamp overrides the default submission time. The value becomes
// part of the hashed canonical form verbatim.
func (b *EventBuilder) WithTimestamp(t time.Time) *EventBuilder {
	if b.err != nil {
		return b
	}
	if t.IsZero() {
		b.err = errors.NewValidationError("INVALID_TIMESTAMP", "timestamp cannot be zero")
		return b
	}
	b.event.Timestamp = t.UTC().Format(time.RFC3339Nano)
	return b
}

// WithCustomField adds a producer-defined field.
func (b *EventBuilder) WithCustomField(key string, value interface{}) *EventBuilder {
	if b.err != nil {
		return b
	}
	if key == "" {
		b.err = errors.NewValidationError("INVALID_CUSTOM_FIELD", "custom field key cannot be empty")
		return b
	}
	if b.event.CustomFields == nil {
		b.event.CustomFields = make(map[string]interface{})
	}
	b.event.CustomFields[key] = value
	return b
}

// WithCustomFields merges a map of producer-defined fields.
func (b *EventBuilder) WithCustomFields(fields map[string]interface{}) *EventBuilder {
	if b.err != nil {
		return b
	}
	for k, v := range fields {
		b.WithCustomField(k, v)
		if b.err != nil {
			return b
		}
	}
	return b
}

// WithProcessingLatency records producer-side processing time in
// milliseconds.
func (b *EventBuilder) WithProcessingLatency(ms float64) *EventBuilder {
	if b.err != nil {
		return b
	}
	if ms < 0 {
		b.err = errors.NewFieldValidationError("processingLatency", "NEGATIVE_VALUE",
			"processing latency cannot be negative", ms)
		return b
	}
	b.event.ProcessingLatencyMs = &ms
	return b
}

// Build finalizes the event, running structural validation.
func (b *EventBuilder) Build() (*Event, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.event.Validate(); err != nil {
		return nil, err
	}
	return b.event, nil
}

// MustBuild panics on error. Intended for tests and static event templates.
func (b *EventBuilder) MustBuild() *Event {
	event, err := b.Build()
	if err != nil {
		panic(err)
	}
	return event
}

// Convenience constructors for the common healthcare audit actions.

// ForPatientRecordAccess starts an event describing a read of a patient
// record. These are always PHI.
func ForPatientRecordAccess(principalID, patientID string) *EventBuilder {
	return NewEventBuilder("patient.record.access").
		WithPrincipal(principalID, "").
		WithTarget("patient_record", patientID).
		WithClassification(ClassificationPHI)
}

// ForLogin starts an authentication event.
func ForLogin(principalID string, status Status) *EventBuilder {
	return NewEventBuilder("auth.login").
		WithStatus(status).
		WithPrincipal(principalID, "").
		WithTarget("session", "")
}

// ForDataExport starts an event describing a bulk data export.
func ForDataExport(principalID, organizationID, exportID string) *EventBuilder {
	return NewEventBuilder("data.export").
		WithPrincipal(principalID, organizationID).
		WithTarget("export", exportID).
		WithClassification(ClassificationConfidential)
}

// ForConfigChange starts an event describing an administrative
// configuration change.
func ForConfigChange(principalID, settingKey string) *EventBuilder {
	return NewEventBuilder("config.change").
		WithPrincipal(principalID, "").
		WithTarget("setting", settingKey)
}
