package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryEnvelope_RecordDelivery(t *testing.T) {
	event := NewEventBuilder("user.login").MustBuild()
	env := NewDeliveryEnvelope(event)

	now := time.Now().UTC()
	attempts := []AttemptRecord{
		{Attempt: 1, Timestamp: now, Error: "connection reset"},
		{Attempt: 2, Timestamp: now.Add(time.Second), Error: "connection reset"},
	}
	env.RecordDelivery(attempts, errors.New("connection reset"), now)

	assert.Equal(t, 1, env.AttemptCount)
	assert.Equal(t, 2, env.TotalAttempts())
	assert.Equal(t, "connection reset", env.LastError)
	require.NotNil(t, env.FirstFailureAt)
	assert.Equal(t, now, *env.FirstFailureAt)

	// Second failed delivery keeps the first failure time.
	later := now.Add(time.Minute)
	env.RecordDelivery([]AttemptRecord{{Attempt: 3, Timestamp: later, Error: "timeout"}},
		errors.New("timeout"), later)

	assert.Equal(t, 2, env.AttemptCount)
	assert.Equal(t, 3, env.TotalAttempts())
	assert.Equal(t, "timeout", env.LastError)
	assert.Equal(t, now, *env.FirstFailureAt)
}

func TestDeliveryEnvelope_SuccessfulDeliveryLeavesFailureStateAlone(t *testing.T) {
	event := NewEventBuilder("user.login").MustBuild()
	env := NewDeliveryEnvelope(event)

	env.RecordDelivery([]AttemptRecord{{Attempt: 1, Timestamp: time.Now()}}, nil, time.Now())

	assert.Equal(t, 1, env.AttemptCount)
	assert.Empty(t, env.LastError)
	assert.Nil(t, env.FirstFailureAt)
}

func TestDeliveryEnvelope_ToDeadLetter(t *testing.T) {
	event := NewEventBuilder("data.export").MustBuild()
	env := NewDeliveryEnvelope(event)

	first := time.Now().UTC().Add(-time.Minute)
	env.RecordDelivery([]AttemptRecord{
		{Attempt: 1, Timestamp: first, Error: "permanent failure"},
		{Attempt: 2, Timestamp: first.Add(time.Second), Error: "permanent failure"},
	}, errors.New("permanent failure"), first)

	now := time.Now().UTC()
	record := env.ToDeadLetter("audit-events", "retries exhausted", now)

	assert.NotEqual(t, uuid.Nil, record.ID)
	assert.Same(t, event, record.OriginalEvent)
	assert.Equal(t, "retries exhausted", record.FailureReason)
	assert.Equal(t, 2, record.FailureCount)
	assert.Equal(t, first, record.FirstFailureAt)
	assert.Equal(t, now, record.LastFailureAt)
	assert.Equal(t, "audit-events", record.OriginalQueue)
	assert.Len(t, record.Attempts, 2)
}
