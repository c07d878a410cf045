package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBuilder_FullEvent(t *testing.T) {
	ts := time.Date(2023, 10, 26, 10, 30, 0, 0, time.UTC)

	event, err := NewEventBuilder("patient.record.access").
		WithStatus(StatusSuccess).
		WithPrincipal("clinician-7", "org-1").
		WithTarget("patient_record", "pr-42").
		WithOutcome("viewed medication list").
		WithClassification(ClassificationPHI).
		WithRetentionPolicy("extended").
		WithSession("sess-1", "10.0.0.1", "Mozilla/5.0").
		WithGeolocation("US-CA").
		WithCorrelationID("corr-1").
		WithTimestamp(ts).
		WithCustomField("department", "cardiology").
		WithProcessingLatency(12.5).
		Build()

	require.NoError(t, err)
	assert.Equal(t, "patient.record.access", event.Action)
	assert.Equal(t, StatusSuccess, event.Status)
	assert.Equal(t, "clinician-7", event.PrincipalID)
	assert.Equal(t, "org-1", event.OrganizationID)
	assert.Equal(t, "patient_record", event.TargetResourceType)
	assert.Equal(t, "pr-42", event.TargetResourceID)
	assert.Equal(t, ClassificationPHI, event.DataClassification)
	assert.Equal(t, "extended", event.RetentionPolicy)
	assert.Equal(t, "2023-10-26T10:30:00Z", event.Timestamp)
	assert.Equal(t, "cardiology", event.CustomFields["department"])
	require.NotNil(t, event.SessionContext)
	assert.Equal(t, "US-CA", event.SessionContext.Geolocation)
	require.NotNil(t, event.ProcessingLatencyMs)
	assert.Equal(t, 12.5, *event.ProcessingLatencyMs)
}

func TestEventBuilder_ErrorShortCircuits(t *testing.T) {
	_, err := NewEventBuilder("").
		WithStatus(StatusSuccess).
		WithPrincipal("u1", "").
		Build()

	require.Error(t, err)
}

func TestEventBuilder_InvalidStatus(t *testing.T) {
	_, err := NewEventBuilder("user.login").
		WithStatus("finished").
		Build()

	require.Error(t, err)
}

func TestEventBuilder_InvalidClassification(t *testing.T) {
	_, err := NewEventBuilder("user.login").
		WithClassification("ULTRA").
		Build()

	require.Error(t, err)
}

func TestEventBuilder_NegativeLatency(t *testing.T) {
	_, err := NewEventBuilder("user.login").
		WithProcessingLatency(-1).
		Build()

	require.Error(t, err)
}

func TestEventBuilder_Defaults(t *testing.T) {
	event := NewEventBuilder("user.login").MustBuild()

	assert.Equal(t, StatusSuccess, event.Status)
	assert.Equal(t, ClassificationInternal, event.DataClassification)
	assert.Equal(t, "standard", event.RetentionPolicy)
	assert.Equal(t, "1.0", event.EventVersion)
}

func TestConvenienceBuilders(t *testing.T) {
	phi := ForPatientRecordAccess("clinician-7", "pr-42").MustBuild()
	assert.Equal(t, "patient.record.access", phi.Action)
	assert.Equal(t, ClassificationPHI, phi.DataClassification)

	login := ForLogin("u1", StatusFailure).MustBuild()
	assert.Equal(t, "auth.login", login.Action)
	assert.Equal(t, StatusFailure, login.Status)

	export := ForDataExport("admin-1", "org-1", "exp-9").MustBuild()
	assert.Equal(t, ClassificationConfidential, export.DataClassification)
	assert.Equal(t, "org-1", export.OrganizationID)

	cfg := ForConfigChange("admin-1", "cache.max_size_mb").MustBuild()
	assert.Equal(t, "setting", cfg.TargetResourceType)
}
