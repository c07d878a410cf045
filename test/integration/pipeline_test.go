package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/queue"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/service/ingest"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/service/pipeline"
)

var signingSecret = []byte("integration-test-signing-secret-0123456789")

// memoryStore stands in for the audit repository so the full submit to
// storage path runs against miniredis alone.
type memoryStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*audit.Event
	fail   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{events: make(map[uuid.UUID]*audit.Event)}
}

func (s *memoryStore) Store(ctx context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, ok := s.events[event.ID]; ok {
		return apperrors.ErrDuplicateEvent
	}
	s.events[event.ID] = event
	return nil
}

func (s *memoryStore) get(id uuid.UUID) *audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id]
}

func (s *memoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type pipelineHarness struct {
	svc   *ingest.Service
	proc  *pipeline.Processor
	queue *queue.RedisQueue
	dlq   *pipeline.DeadLetterHandler
	store *memoryStore
}

// startHarness wires the production components the way the daemon does:
// ingest service in front, Redis Streams queue in the middle, processor and
// storage handler at the end, dead letters back into Redis.
func startHarness(t *testing.T) *pipelineHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zap.NewNop()

	qcfg := queue.DefaultConfig("integration-events")
	qcfg.BlockInterval = 50 * time.Millisecond
	qcfg.IdleSleep = 10 * time.Millisecond
	qcfg.MoveInterval = 10 * time.Millisecond
	qcfg.ClaimInterval = time.Minute
	qcfg.ClaimIdle = time.Minute
	q := queue.NewRedisQueue(client, qcfg, logger)

	store := newMemoryStore()
	handler, err := pipeline.NewStorageHandler(store, nil, logger)
	require.NoError(t, err)

	dlqStore := queue.NewDeadLetterStore(client, "integration-events", "audit", logger)
	dlq := pipeline.NewDeadLetterHandler(dlqStore, q, pipeline.DeadLetterConfig{
		QueueName: "integration-events",
	}, nil, logger)

	pcfg := pipeline.ProcessorConfig{
		QueueName:       "integration-events",
		Concurrency:     1,
		HandlerTimeout:  time.Second,
		ShutdownTimeout: 5 * time.Second,
		Retry: pipeline.RetryPolicy{
			MaxRetries: 1,
			Strategy:   pipeline.BackoffFixed,
			BaseDelay:  5 * time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
		},
		Breaker: pipeline.BreakerSettings{
			Name:              "integration-events",
			FailureThreshold:  100,
			MinimumThroughput: 100,
			RecoveryTimeout:   time.Minute,
		},
	}
	breaker := pipeline.NewBreaker(pcfg.Breaker, logger)

	proc, err := pipeline.NewProcessor(pcfg, q, breaker, dlq, handler.Handle, logger)
	require.NoError(t, err)

	svc, err := ingest.NewService(ingest.Config{
		Validation:     audit.DefaultValidationConfig(),
		GenerateHash:   true,
		SigningEnabled: true,
		SigningSecret:  signingSecret,
	}, q, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, proc.Start(ctx))
	t.Cleanup(func() {
		cancel()
		q.Close()
	})

	return &pipelineHarness{svc: svc, proc: proc, queue: q, dlq: dlq, store: store}
}

func TestPipelineDeliversSealedEvents(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	event := audit.ForPatientRecordAccess("clinician-7", "patient-42").
		WithOutcome("chart viewed").
		MustBuild()

	ack, err := h.svc.Submit(ctx, event, ingest.SubmitOptions{CorrelationID: "req-001"})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.JobID)
	require.NotEmpty(t, ack.Hash, "accepted events must be sealed")

	require.Eventually(t, func() bool {
		return h.store.len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	stored := h.store.get(ack.EventID)
	require.NotNil(t, stored)
	assert.Equal(t, "patient.record.access", stored.Action)
	assert.Equal(t, "clinician-7", stored.PrincipalID)
	assert.Equal(t, "req-001", stored.CorrelationID)

	// The seal applied at ingestion must survive the queue round trip intact.
	integrity := audit.NewIntegrityService()
	assert.Equal(t, ack.Hash, stored.Hash)
	assert.True(t, integrity.VerifyHash(stored, stored.Hash))
	assert.True(t, integrity.VerifySignature(stored, stored.Signature, signingSecret))

	health := h.proc.HealthStatus(ctx)
	assert.Equal(t, int64(1), health.Succeeded)
}

func TestPipelineRejectsUnstorableEvents(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	event, err := audit.NewEvent("auth.login", audit.StatusSuccess)
	require.NoError(t, err)
	event.Action = ""

	_, err = h.svc.Submit(ctx, event, ingest.SubmitOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "rejected events never reach the queue")
	assert.Equal(t, int64(1), h.svc.Stats().Rejected)
}

func TestPipelineDeadLettersWhenStorageRejects(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()
	h.store.fail = apperrors.NewPermanentError("WRITE_REJECTED", "row rejected")

	event := audit.ForLogin("clinician-7", audit.StatusFailure).MustBuild()
	ack, err := h.svc.Submit(ctx, event, ingest.SubmitOptions{})
	require.NoError(t, err, "ingestion accepts the event; storage is what fails")

	require.Eventually(t, func() bool {
		count, err := h.dlq.Count(ctx)
		return err == nil && count == 1
	}, 5*time.Second, 10*time.Millisecond)

	records, err := h.dlq.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ack.EventID, records[0].OriginalEvent.ID)
	assert.Zero(t, h.store.len())
}

func TestPipelineToleratesDuplicateDelivery(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	event := audit.ForConfigChange("admin-1", "retention.days").MustBuild()
	ack, err := h.svc.Submit(ctx, event, ingest.SubmitOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.store.len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A second delivery of the same event simulates an at-least-once replay.
	stored := h.store.get(ack.EventID)
	require.NotNil(t, stored)
	_, err = h.queue.Enqueue(ctx, audit.NewDeliveryEnvelope(stored))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.proc.HealthStatus(ctx).Succeeded == 2
	}, 5*time.Second, 10*time.Millisecond)

	count, err := h.dlq.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "duplicates are acknowledged, not dead-lettered")
	assert.Equal(t, 1, h.store.len())
}
