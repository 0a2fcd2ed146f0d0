package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsAndRetry(t *testing.T) {
	cause := errors.New("connection refused")

	err := PersistenceWrite("putLatestState", "doc-1", cause)
	assert.True(t, IsKind(err, KindPersistenceWrite))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "doc=doc-1")

	wrapped := fmt.Errorf("flush: %w", Decode("load", "doc-1", cause))
	assert.True(t, IsKind(wrapped, KindDecode))
	assert.False(t, IsRetryable(wrapped))
	assert.False(t, IsKind(wrapped, KindVersionConflict))
}

func TestNestedKind(t *testing.T) {
	inner := VersionConflict("appendVersion", "doc-1", ErrDuplicateVersion)
	outer := PersistenceWrite("saveManual", "doc-1", inner)
	assert.True(t, IsKind(outer, KindVersionConflict))
	assert.ErrorIs(t, outer, ErrDuplicateVersion)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrNotFound))
	assert.True(t, IsNotFound(NotFound("getSnapshot", "doc-1", nil)))
	assert.False(t, IsNotFound(errors.New("boom")))
}
