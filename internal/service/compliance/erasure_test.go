package compliance

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

type fakeErasureStore struct {
	principalID string
	replacement string
	record      *audit.Event
	rewritten   int64
	failWith    error
}

func (s *fakeErasureStore) PseudonymizePrincipal(_ context.Context, principalID, replacement string, record *audit.Event) (int64, error) {
	if s.failWith != nil {
		return 0, s.failWith
	}
	s.principalID = principalID
	s.replacement = replacement
	s.record = record
	return s.rewritten, nil
}

func TestEraserRewritesAndRecords(t *testing.T) {
	store := &fakeErasureStore{rewritten: 4}
	eraser, err := NewEraser(store, "redacted", zap.NewNop())
	require.NoError(t, err)

	result, err := eraser.Erase(context.Background(), "dr-house")
	require.NoError(t, err)

	assert.Equal(t, "dr-house", store.principalID)
	assert.EqualValues(t, 4, result.RewrittenRows)
	assert.True(t, strings.HasPrefix(result.Pseudonym, "redacted:"))
	assert.Equal(t, store.replacement, result.Pseudonym)

	require.NotNil(t, store.record, "erasure must carry its trace record")
	assert.Equal(t, "privacy.principal.pseudonymized", store.record.Action)
	assert.Equal(t, result.RecordID, store.record.ID)
	assert.NotContains(t, store.record.TargetResourceID, "dr-house",
		"the record must never carry the erased identifier")
	assert.Equal(t, result.Pseudonym, store.record.TargetResourceID)
}

func TestEraserPseudonymIsStable(t *testing.T) {
	eraser, err := NewEraser(&fakeErasureStore{}, "redacted", nil)
	require.NoError(t, err)

	assert.Equal(t, eraser.Pseudonym("dr-house"), eraser.Pseudonym("dr-house"))
	assert.NotEqual(t, eraser.Pseudonym("dr-house"), eraser.Pseudonym("dr-wilson"))
}

func TestEraserRejectsEmptyPrincipal(t *testing.T) {
	eraser, err := NewEraser(&fakeErasureStore{}, "", nil)
	require.NoError(t, err)

	_, err = eraser.Erase(context.Background(), "")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestEraserPropagatesStoreFailure(t *testing.T) {
	store := &fakeErasureStore{failWith: apperrors.NewInternalError("write failed")}
	eraser, err := NewEraser(store, "redacted", nil)
	require.NoError(t, err)

	_, err = eraser.Erase(context.Background(), "dr-house")
	require.Error(t, err)
}

func TestNewEraserRequiresStore(t *testing.T) {
	_, err := NewEraser(nil, "redacted", nil)
	require.Error(t, err)
}
