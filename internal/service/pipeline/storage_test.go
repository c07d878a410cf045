package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

type fakeEventStore struct {
	mu      sync.Mutex
	stored  []*audit.Event
	results []error
}

func (s *fakeEventStore) Store(_ context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]
		if err != nil {
			return err
		}
	}
	s.stored = append(s.stored, event)
	return nil
}

func (s *fakeEventStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

type fakePartitionEnsurer struct {
	mu      sync.Mutex
	froms   []time.Time
	created []string
	err     error
}

func (e *fakePartitionEnsurer) EnsurePartitions(_ context.Context, from, _ time.Time) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.froms = append(e.froms, from)
	if e.err != nil {
		return nil, e.err
	}
	return e.created, nil
}

func (e *fakePartitionEnsurer) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.froms)
}

func storedEvent(t *testing.T) *audit.Event {
	t.Helper()
	event, err := audit.NewEvent("patient.record.access", audit.StatusSuccess)
	require.NoError(t, err)
	return event
}

func TestStorageHandlerStores(t *testing.T) {
	store := &fakeEventStore{}
	ensurer := &fakePartitionEnsurer{}
	h, err := NewStorageHandler(store, ensurer, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), storedEvent(t)))
	assert.Equal(t, 1, store.count())
	assert.Zero(t, ensurer.callCount(), "partitions untouched on a clean insert")
}

func TestStorageHandlerHealsMissingPartition(t *testing.T) {
	event := storedEvent(t)
	store := &fakeEventStore{
		results: []error{apperrors.NewPartitionMissingError("audit_log", event.Timestamp)},
	}
	ensurer := &fakePartitionEnsurer{created: []string{"audit_log_y2026m08"}}
	h, err := NewStorageHandler(store, ensurer, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), event))
	assert.Equal(t, 1, store.count(), "insert retried after partition creation")
	require.Equal(t, 1, ensurer.callCount())

	occurred, err := event.OccurredAt()
	require.NoError(t, err)
	assert.True(t, ensurer.froms[0].Equal(occurred), "partition range anchored on the event timestamp")
}

func TestStorageHandlerEnsureFailureKeepsOriginalError(t *testing.T) {
	event := storedEvent(t)
	store := &fakeEventStore{
		results: []error{apperrors.NewPartitionMissingError("audit_log", event.Timestamp)},
	}
	ensurer := &fakePartitionEnsurer{err: apperrors.NewInternalError("ddl lock held")}
	h, err := NewStorageHandler(store, ensurer, zap.NewNop())
	require.NoError(t, err)

	err = h.Handle(context.Background(), event)
	require.Error(t, err)
	assert.True(t, apperrors.IsPartitionMissing(err), "retry engine sees the retryable insert failure")
	assert.Zero(t, store.count())
}

func TestStorageHandlerWithoutEnsurerSurfacesError(t *testing.T) {
	event := storedEvent(t)
	store := &fakeEventStore{
		results: []error{apperrors.NewPartitionMissingError("audit_log", event.Timestamp)},
	}
	h, err := NewStorageHandler(store, nil, zap.NewNop())
	require.NoError(t, err)

	err = h.Handle(context.Background(), event)
	require.Error(t, err)
	assert.True(t, apperrors.IsPartitionMissing(err))
}

func TestStorageHandlerDuplicateDeliveryAcks(t *testing.T) {
	store := &fakeEventStore{results: []error{apperrors.ErrDuplicateEvent}}
	h, err := NewStorageHandler(store, nil, zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, h.Handle(context.Background(), storedEvent(t)),
		"redelivered event already on disk is a success")
	assert.Zero(t, store.count())
}

func TestStorageHandlerRequiresStore(t *testing.T) {
	_, err := NewStorageHandler(nil, nil, zap.NewNop())
	require.Error(t, err)
}
