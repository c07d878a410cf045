package ingest

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/testutil/fixtures"
)

var hexHashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

type fakeQueue struct {
	mu        sync.Mutex
	envelopes []*audit.DeliveryEnvelope
	failWith  error
}

func (q *fakeQueue) Enqueue(_ context.Context, envelope *audit.DeliveryEnvelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return "", q.failWith
	}
	q.envelopes = append(q.envelopes, envelope)
	return fmt.Sprintf("job-%d", len(q.envelopes)), nil
}

func (q *fakeQueue) Name() string { return "audit-events" }

func (q *fakeQueue) last(t *testing.T) *audit.DeliveryEnvelope {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.envelopes)
	return q.envelopes[len(q.envelopes)-1]
}

func newTestService(t *testing.T, cfg Config, q Enqueuer) *Service {
	t.Helper()
	svc, err := NewService(cfg, q, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestSubmitSealsAndEnqueues(t *testing.T) {
	q := &fakeQueue{}
	svc := newTestService(t, Config{GenerateHash: true}, q)

	event := &audit.Event{
		Timestamp:   "2023-10-26T10:30:00.000Z",
		Action:      "user.login",
		Status:      audit.StatusSuccess,
		PrincipalID: "u1",
	}

	ack, err := svc.Submit(context.Background(), event, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "job-1", ack.JobID)
	assert.NotEqual(t, uuid.Nil, ack.EventID)
	assert.Regexp(t, hexHashRe, ack.Hash)
	assert.Empty(t, ack.Warnings)

	stored := q.last(t).Event
	assert.Equal(t, ack.EventID, stored.ID)
	assert.Equal(t, "2023-10-26T10:30:00.000Z", stored.Timestamp)
	assert.Equal(t, audit.ClassificationInternal, stored.DataClassification)
	assert.Equal(t, ack.Hash, stored.Hash)
	assert.True(t, stored.IsSealed())
	assert.True(t, audit.NewIntegrityService().VerifyHash(stored, stored.Hash))

	// The caller's event is untouched: no id assigned, no defaults, no hash.
	assert.Equal(t, uuid.Nil, event.ID)
	assert.Empty(t, event.Hash)
	assert.Empty(t, string(event.DataClassification))
}

func TestSubmitSanitizesBeforeSealing(t *testing.T) {
	q := &fakeQueue{}
	svc := newTestService(t, Config{GenerateHash: true}, q)

	event := fixtures.NewEventBuilder(t).
		WithAction("user.login<script>alert(1)</script>").
		Build()
	original := event.Action

	ack, err := svc.Submit(context.Background(), event, SubmitOptions{})
	require.NoError(t, err)
	assert.Contains(t, ack.Warnings, "action: script_payload_removed")

	stored := q.last(t).Event
	assert.Equal(t, "user.login", stored.Action)
	assert.Equal(t, original, event.Action, "caller's event must not be sanitized in place")

	// The hash covers the sanitized bytes, so it verifies against what is
	// actually stored.
	assert.True(t, audit.NewIntegrityService().VerifyHash(stored, stored.Hash))
}

func TestSubmitRejectsInvalidEvents(t *testing.T) {
	q := &fakeQueue{}
	svc := newTestService(t, Config{GenerateHash: true}, q)

	tests := []struct {
		name  string
		event *audit.Event
	}{
		{"missing timestamp", &audit.Event{Action: "user.login", Status: audit.StatusSuccess}},
		{"missing action", &audit.Event{Timestamp: "2023-10-26T10:30:00Z", Status: audit.StatusSuccess}},
		{"malformed timestamp", &audit.Event{Timestamp: "26/10/2023", Action: "a", Status: audit.StatusSuccess}},
		{"unknown status", &audit.Event{Timestamp: "2023-10-26T10:30:00Z", Action: "a", Status: audit.Status("maybe")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, err := svc.Submit(context.Background(), tt.event, SubmitOptions{})
			require.Error(t, err)
			assert.Nil(t, ack)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "got %v", err)
		})
	}

	_, err := svc.Submit(context.Background(), nil, SubmitOptions{})
	require.Error(t, err)

	assert.Empty(t, q.envelopes, "rejected events must never reach the queue")
	assert.EqualValues(t, 5, svc.Stats().Rejected)
	assert.Zero(t, svc.Stats().Submitted)
}

func TestSubmitSignsWhenEnabled(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	q := &fakeQueue{}
	svc := newTestService(t, Config{
		GenerateHash:   true,
		SigningEnabled: true,
		SigningSecret:  secret,
	}, q)

	_, err := svc.Submit(context.Background(), fixtures.PHIAccessEvent(t), SubmitOptions{})
	require.NoError(t, err)

	stored := q.last(t).Event
	require.NotEmpty(t, stored.Signature)

	integrity := audit.NewIntegrityService()
	assert.True(t, integrity.VerifySignature(stored, stored.Signature, secret))
	assert.False(t, integrity.VerifySignature(stored, stored.Signature, []byte("wrong-secret-wrong-secret-wrong!")))
}

func TestNewServiceRequiresSecretForSigning(t *testing.T) {
	_, err := NewService(Config{SigningEnabled: true}, &fakeQueue{}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig))

	_, err = NewService(Config{}, nil, zap.NewNop())
	require.Error(t, err)
}

func TestSubmitSkipScreening(t *testing.T) {
	q := &fakeQueue{}
	svc := newTestService(t, Config{GenerateHash: true}, q)

	event := fixtures.NewEventBuilder(t).
		WithAction("report.render: a < b && b > c").
		Build()

	ack, err := svc.Submit(context.Background(), event, SubmitOptions{SkipScreening: true})
	require.NoError(t, err)
	assert.Empty(t, ack.Warnings)
	assert.Equal(t, "report.render: a < b && b > c", q.last(t).Event.Action,
		"screening bypass must keep the action verbatim")

	// Structural validation still guards the queue.
	_, err = svc.Submit(context.Background(),
		&audit.Event{Timestamp: "not-a-time", Action: "a", Status: audit.StatusSuccess},
		SubmitOptions{SkipScreening: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestSubmitWithoutHashing(t *testing.T) {
	q := &fakeQueue{}
	svc := newTestService(t, Config{GenerateHash: false}, q)

	ack, err := svc.Submit(context.Background(), fixtures.PHIAccessEvent(t), SubmitOptions{})
	require.NoError(t, err)
	assert.Empty(t, ack.Hash)
	assert.False(t, q.last(t).Event.IsSealed())
}

func TestSubmitAppliesOverrides(t *testing.T) {
	q := &fakeQueue{}
	svc := newTestService(t, Config{GenerateHash: true}, q)

	ack, err := svc.Submit(context.Background(), fixtures.PHIAccessEvent(t), SubmitOptions{
		CorrelationID: "corr-override",
		EventVersion:  "2.0",
	})
	require.NoError(t, err)
	require.NotNil(t, ack)

	stored := q.last(t).Event
	assert.Equal(t, "corr-override", stored.CorrelationID)
	assert.Equal(t, "2.0", stored.EventVersion)

	// A producer-set correlation id wins over the option.
	event := fixtures.NewEventBuilder(t).WithCorrelationID("corr-producer").Build()
	_, err = svc.Submit(context.Background(), event, SubmitOptions{CorrelationID: "corr-override"})
	require.NoError(t, err)
	assert.Equal(t, "corr-producer", q.last(t).Event.CorrelationID)
}

func TestSubmitSurfacesQueueFailure(t *testing.T) {
	q := &fakeQueue{failWith: apperrors.NewQueueUnavailableError("audit-events", "redis down")}
	svc := newTestService(t, Config{GenerateHash: true}, q)

	_, err := svc.Submit(context.Background(), fixtures.PHIAccessEvent(t), SubmitOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeQueueUnavailable))

	stats := svc.Stats()
	assert.EqualValues(t, 1, stats.EnqueueFailures)
	assert.Zero(t, stats.Submitted)
}

func TestStatsCountSubmissions(t *testing.T) {
	q := &fakeQueue{}
	svc := newTestService(t, Config{GenerateHash: true}, q)

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(context.Background(), fixtures.PHIAccessEvent(t), SubmitOptions{})
		require.NoError(t, err)
	}
	_, err := svc.Submit(context.Background(), &audit.Event{}, SubmitOptions{})
	require.Error(t, err)

	stats := svc.Stats()
	assert.EqualValues(t, 3, stats.Submitted)
	assert.EqualValues(t, 1, stats.Rejected)
}
