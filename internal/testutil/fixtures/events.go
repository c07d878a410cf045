package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
)

// EventBuilder builds test audit events
type EventBuilder struct {
	t              *testing.T
	id             uuid.UUID
	timestamp      string
	action         string
	status         audit.Status
	principalID    string
	organizationID string
	targetType     string
	targetID       string
	outcome        string
	classification audit.DataClassification
	correlationID  string
	session        *audit.SessionContext
	customFields   map[string]interface{}
}

// NewEventBuilder creates a new EventBuilder with defaults
func NewEventBuilder(t *testing.T) *EventBuilder {
	t.Helper()
	id, err := uuid.NewRandom()
	require.NoError(t, err)

	return &EventBuilder{
		t:              t,
		id:             id,
		timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		action:         "patient.record.view",
		status:         audit.StatusSuccess,
		principalID:    "clinician-" + id.String()[:8],
		organizationID: "org-mercy-general",
		classification: audit.ClassificationInternal,
	}
}

// WithID sets the event ID
func (b *EventBuilder) WithID(id uuid.UUID) *EventBuilder {
	b.id = id
	return b
}

// WithTimestamp sets the event timestamp
func (b *EventBuilder) WithTimestamp(ts time.Time) *EventBuilder {
	b.timestamp = ts.UTC().Format(time.RFC3339Nano)
	return b
}

// WithRawTimestamp sets the timestamp string exactly as a producer sent it
func (b *EventBuilder) WithRawTimestamp(ts string) *EventBuilder {
	b.timestamp = ts
	return b
}

// WithAction sets the audited action
func (b *EventBuilder) WithAction(action string) *EventBuilder {
	b.action = action
	return b
}

// WithStatus sets the outcome status
func (b *EventBuilder) WithStatus(status audit.Status) *EventBuilder {
	b.status = status
	return b
}

// WithPrincipal sets the acting principal
func (b *EventBuilder) WithPrincipal(principalID string) *EventBuilder {
	b.principalID = principalID
	return b
}

// WithOrganization sets the owning organization
func (b *EventBuilder) WithOrganization(organizationID string) *EventBuilder {
	b.organizationID = organizationID
	return b
}

// WithTarget sets the acted-on resource
func (b *EventBuilder) WithTarget(resourceType, resourceID string) *EventBuilder {
	b.targetType = resourceType
	b.targetID = resourceID
	return b
}

// WithOutcome sets the outcome description
func (b *EventBuilder) WithOutcome(outcome string) *EventBuilder {
	b.outcome = outcome
	return b
}

// WithClassification sets the data classification
func (b *EventBuilder) WithClassification(dc audit.DataClassification) *EventBuilder {
	b.classification = dc
	return b
}

// AsPHI marks the event as touching protected health information
func (b *EventBuilder) AsPHI() *EventBuilder {
	b.classification = audit.ClassificationPHI
	return b
}

// WithCorrelationID sets the correlation ID
func (b *EventBuilder) WithCorrelationID(correlationID string) *EventBuilder {
	b.correlationID = correlationID
	return b
}

// WithSession sets the client session context
func (b *EventBuilder) WithSession(session *audit.SessionContext) *EventBuilder {
	b.session = session
	return b
}

// WithCustomField adds one free-form producer field
func (b *EventBuilder) WithCustomField(key string, value interface{}) *EventBuilder {
	if b.customFields == nil {
		b.customFields = make(map[string]interface{})
	}
	b.customFields[key] = value
	return b
}

// Build creates the event
func (b *EventBuilder) Build() *audit.Event {
	event := &audit.Event{
		ID:                 b.id,
		Timestamp:          b.timestamp,
		Action:             b.action,
		Status:             b.status,
		PrincipalID:        b.principalID,
		OrganizationID:     b.organizationID,
		TargetResourceType: b.targetType,
		TargetResourceID:   b.targetID,
		OutcomeDescription: b.outcome,
		DataClassification: b.classification,
		CorrelationID:      b.correlationID,
		SessionContext:     b.session,
		CustomFields:       b.customFields,
	}
	event.ApplyDefaults()
	return event
}

// BuildSealed creates the event and seals it with the given hash so it can
// be stored without running the integrity service.
func (b *EventBuilder) BuildSealed(hash string) *audit.Event {
	event := b.Build()
	require.NoError(b.t, event.Seal(hash, ""))
	return event
}

// PHIAccessEvent is a shorthand for the most common HIPAA test case: a
// clinician reading a patient record.
func PHIAccessEvent(t *testing.T) *audit.Event {
	return NewEventBuilder(t).
		AsPHI().
		WithAction("patient.record.view").
		WithTarget("patient_record", "pr-"+uuid.New().String()[:8]).
		WithOutcome("record viewed").
		Build()
}
