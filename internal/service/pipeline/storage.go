package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// EventStore persists accepted audit events. Implemented by the audit
// repository.
type EventStore interface {
	Store(ctx context.Context, event *audit.Event) error
}

// PartitionEnsurer creates partitions covering a time range on demand.
type PartitionEnsurer interface {
	EnsurePartitions(ctx context.Context, from, to time.Time) ([]string, error)
}

// StorageHandler is the terminal consumer stage: it persists each delivery
// through the repository, creating the missing partition and retrying once
// when an event's timestamp lands outside every existing range.
type StorageHandler struct {
	store      EventStore
	partitions PartitionEnsurer
	logger     *zap.Logger
}

// NewStorageHandler wires the persistence stage. partitions may be nil, in
// which case partition-missing failures surface to the retry engine instead
// of being healed inline.
func NewStorageHandler(store EventStore, partitions PartitionEnsurer, logger *zap.Logger) (*StorageHandler, error) {
	if store == nil {
		return nil, apperrors.NewInternalError("storage handler requires an event store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageHandler{
		store:      store,
		partitions: partitions,
		logger:     logger.Named("storage"),
	}, nil
}

// Handle persists one event. Duplicate inserts acknowledge cleanly: with
// at-least-once delivery a redelivered event may already be on disk, and
// dead-lettering it would turn a non-problem into an operator page.
func (h *StorageHandler) Handle(ctx context.Context, event *audit.Event) error {
	err := h.store.Store(ctx, event)

	if apperrors.IsPartitionMissing(err) && h.partitions != nil {
		occurred, timeErr := event.OccurredAt()
		if timeErr != nil {
			return err
		}
		created, ensureErr := h.partitions.EnsurePartitions(ctx, occurred, occurred)
		if ensureErr != nil {
			h.logger.Warn("partition creation for out-of-range event failed",
				zap.String("event_id", event.ID.String()),
				zap.String("timestamp", event.Timestamp),
				zap.Error(ensureErr),
			)
			return err
		}
		h.logger.Info("created missing partition for event",
			zap.String("event_id", event.ID.String()),
			zap.Strings("partitions", created),
		)
		err = h.store.Store(ctx, event)
	}

	if errors.Is(err, apperrors.ErrDuplicateEvent) {
		h.logger.Debug("duplicate delivery already stored",
			zap.String("event_id", event.ID.String()),
		)
		return nil
	}
	return err
}
