package compliance

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// ErasureStore is the slice of the storage layer erasure writes through.
type ErasureStore interface {
	PseudonymizePrincipal(ctx context.Context, principalID, replacement string, record *audit.Event) (int64, error)
}

// Eraser executes GDPR erasure requests against the audit log. Erasure
// rewrites principal identifiers to an irreversible pseudonym instead of
// deleting rows: the record trail stays intact while the subject becomes
// unidentifiable.
type Eraser struct {
	store  ErasureStore
	prefix string
	logger *zap.Logger
}

// NewEraser wires the eraser. prefix tags derived pseudonyms so rewritten
// identifiers are recognizable in reports.
func NewEraser(store ErasureStore, prefix string, logger *zap.Logger) (*Eraser, error) {
	if store == nil {
		return nil, errors.NewInternalError("eraser requires an erasure store")
	}
	if prefix == "" {
		prefix = "redacted"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Eraser{
		store:  store,
		prefix: prefix,
		logger: logger.Named("erasure"),
	}, nil
}

// ErasureResult describes one completed erasure.
type ErasureResult struct {
	Pseudonym     string    `json:"pseudonym"`
	RewrittenRows int64     `json:"rewritten_rows"`
	RecordID      uuid.UUID `json:"record_id"`
}

// Pseudonym derives the stable replacement identifier for a principal. The
// same principal always maps to the same pseudonym, so erasure is idempotent
// and rewritten events still correlate with each other.
func (e *Eraser) Pseudonym(principalID string) string {
	sum := sha256.Sum256([]byte(principalID))
	return fmt.Sprintf("%s:%x", e.prefix, sum[:8])
}

// Erase rewrites every stored event for the principal and appends an audit
// event recording the rewrite in the same transaction. The record carries
// only the pseudonym; putting the original identifier in it would undo the
// erasure.
func (e *Eraser) Erase(ctx context.Context, principalID string) (*ErasureResult, error) {
	if principalID == "" {
		return nil, errors.NewValidationError("MISSING_PRINCIPAL", "principal id is required")
	}

	pseudonym := e.Pseudonym(principalID)
	record, err := audit.NewEventBuilder("privacy.principal.pseudonymized").
		WithPrincipal("system:compliance", "").
		WithTarget("principal", pseudonym).
		WithOutcome("principal identifiers rewritten for erasure request").
		WithRetentionPolicy("extended").
		Build()
	if err != nil {
		return nil, err
	}

	rewritten, err := e.store.PseudonymizePrincipal(ctx, principalID, pseudonym, record)
	if err != nil {
		return nil, err
	}

	e.logger.Info("principal pseudonymized",
		zap.String("pseudonym", pseudonym),
		zap.Int64("rewritten_rows", rewritten),
		zap.String("record_id", record.ID.String()),
	)
	return &ErasureResult{
		Pseudonym:     pseudonym,
		RewrittenRows: rewritten,
		RecordID:      record.ID,
	}, nil
}
