package audit

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

func TestNewEvent(t *testing.T) {
	tests := []struct {
		name    string
		action  string
		status  Status
		wantErr bool
		errCode string
	}{
		{
			name:   "valid event",
			action: "user.login",
			status: StatusSuccess,
		},
		{
			name:    "missing action",
			action:  "",
			status:  StatusSuccess,
			wantErr: true,
			errCode: "MISSING_ACTION",
		},
		{
			name:    "invalid status",
			action:  "user.login",
			status:  Status("unknown"),
			wantErr: true,
			errCode: "INVALID_STATUS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := NewEvent(tt.action, tt.status)

			if tt.wantErr {
				require.Error(t, err)
				var appErr *apperrors.AppError
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, tt.errCode, appErr.Code)
				return
			}

			require.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, event.ID)
			assert.Equal(t, tt.action, event.Action)
			assert.Equal(t, tt.status, event.Status)
			assert.Equal(t, ClassificationInternal, event.DataClassification)
			assert.Equal(t, DefaultRetentionPolicy, event.RetentionPolicy)
			assert.Equal(t, DefaultEventVersion, event.EventVersion)
			assert.Equal(t, HashAlgorithmSHA256, event.HashAlgorithm)

			occurred, err := event.OccurredAt()
			require.NoError(t, err)
			assert.WithinDuration(t, time.Now().UTC(), occurred, 5*time.Second)
		})
	}
}

func TestEvent_ApplyDefaults(t *testing.T) {
	event := &Event{
		Timestamp: "2023-10-26T10:30:00.000Z",
		Action:    "user.login",
		Status:    StatusSuccess,
	}

	event.ApplyDefaults()

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, ClassificationInternal, event.DataClassification)
	assert.Equal(t, "standard", event.RetentionPolicy)
	assert.Equal(t, "1.0", event.EventVersion)
	assert.Equal(t, "SHA-256", event.HashAlgorithm)
}

func TestEvent_ApplyDefaults_PreservesProducerValues(t *testing.T) {
	id := uuid.New()
	event := &Event{
		ID:                 id,
		Timestamp:          "2023-10-26T10:30:00.000Z",
		Action:             "phi.view",
		Status:             StatusSuccess,
		DataClassification: ClassificationPHI,
		RetentionPolicy:    "extended",
		EventVersion:       "1.1",
	}

	event.ApplyDefaults()

	assert.Equal(t, id, event.ID)
	assert.Equal(t, ClassificationPHI, event.DataClassification)
	assert.Equal(t, "extended", event.RetentionPolicy)
	assert.Equal(t, "1.1", event.EventVersion)
}

func TestEvent_OccurredAt(t *testing.T) {
	tests := []struct {
		name      string
		timestamp string
		wantErr   bool
	}{
		{name: "UTC with millis", timestamp: "2023-10-26T10:30:00.000Z", wantErr: false},
		{name: "offset timezone", timestamp: "2023-10-26T10:30:00+02:00", wantErr: false},
		{name: "no timezone", timestamp: "2023-10-26T10:30:00", wantErr: true},
		{name: "garbage", timestamp: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &Event{Timestamp: tt.timestamp}
			_, err := event.OccurredAt()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvent_Seal(t *testing.T) {
	event, err := NewEvent("user.login", StatusSuccess)
	require.NoError(t, err)
	assert.False(t, event.IsSealed())

	require.NoError(t, event.Seal("abc123", ""))
	assert.True(t, event.IsSealed())
	assert.Equal(t, "abc123", event.Hash)

	// Sealing twice must fail; sealed events are frozen.
	err = event.Seal("def456", "")
	require.Error(t, err)
	assert.Equal(t, "abc123", event.Hash)
}

func TestEvent_Seal_RequiresHash(t *testing.T) {
	event, err := NewEvent("user.login", StatusSuccess)
	require.NoError(t, err)

	err = event.Seal("", "")
	require.Error(t, err)
	assert.False(t, event.IsSealed())
}

func TestEvent_Validate(t *testing.T) {
	valid := func() *Event {
		return &Event{
			Timestamp:          "2023-10-26T10:30:00.000Z",
			Action:             "user.login",
			Status:             StatusSuccess,
			DataClassification: ClassificationInternal,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{name: "valid", mutate: func(e *Event) {}},
		{name: "missing timestamp", mutate: func(e *Event) { e.Timestamp = "" }, wantErr: true},
		{name: "unparseable timestamp", mutate: func(e *Event) { e.Timestamp = "26/10/2023" }, wantErr: true},
		{name: "missing action", mutate: func(e *Event) { e.Action = "" }, wantErr: true},
		{name: "bad status", mutate: func(e *Event) { e.Status = "done" }, wantErr: true},
		{name: "bad classification", mutate: func(e *Event) { e.DataClassification = "SECRET" }, wantErr: true},
		{name: "unsupported hash algorithm", mutate: func(e *Event) { e.HashAlgorithm = "MD5" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := valid()
			tt.mutate(event)
			err := event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvent_Clone_DeepCopiesCustomFields(t *testing.T) {
	event, err := NewEvent("user.login", StatusSuccess)
	require.NoError(t, err)
	event.CustomFields = map[string]interface{}{
		"nested": map[string]interface{}{"key": "value"},
		"list":   []interface{}{"a", "b"},
	}
	event.SessionContext = &SessionContext{SessionID: "s1", IPAddress: "10.0.0.1"}

	clone := event.Clone()

	clone.CustomFields["nested"].(map[string]interface{})["key"] = "mutated"
	clone.CustomFields["list"].([]interface{})[0] = "mutated"
	clone.SessionContext.SessionID = "s2"

	assert.Equal(t, "value", event.CustomFields["nested"].(map[string]interface{})["key"])
	assert.Equal(t, "a", event.CustomFields["list"].([]interface{})[0])
	assert.Equal(t, "s1", event.SessionContext.SessionID)
}

func TestEvent_Clone_PreservesCyclicCustomFields(t *testing.T) {
	event, err := NewEvent("user.login", StatusSuccess)
	require.NoError(t, err)

	self := map[string]interface{}{}
	self["self"] = self
	self["items"] = []interface{}{self}
	event.CustomFields = self

	clone := event.Clone()

	copied, ok := clone.CustomFields["self"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("%p", clone.CustomFields), fmt.Sprintf("%p", copied))
	assert.NotEqual(t, fmt.Sprintf("%p", event.CustomFields), fmt.Sprintf("%p", copied))

	items, ok := clone.CustomFields["items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, fmt.Sprintf("%p", clone.CustomFields), fmt.Sprintf("%p", items[0]))
}

func TestEvent_Clone_IsUnsealed(t *testing.T) {
	event, err := NewEvent("user.login", StatusSuccess)
	require.NoError(t, err)
	require.NoError(t, event.Seal("abc123", "sig"))

	clone := event.Clone()

	assert.False(t, clone.IsSealed())
	assert.Equal(t, "abc123", clone.Hash)
	assert.NoError(t, clone.Seal("fresh", ""))
}

func TestEvent_Flags(t *testing.T) {
	phi := &Event{DataClassification: ClassificationPHI, PrincipalID: "u1"}
	assert.True(t, phi.IsPHI())
	assert.True(t, phi.HasPrincipal())

	anonymous := &Event{DataClassification: ClassificationPublic}
	assert.False(t, anonymous.IsPHI())
	assert.False(t, anonymous.HasPrincipal())
}
