package sem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphore(t *testing.T) {
	s := New(2)
	ctx := context.Background()
	require.NoError(t, s.Acquire(ctx))
	require.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	assert.Equal(t, 2, s.InUse())

	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := s.Acquire(tctx)
	assert.True(t, errors.Is(err, ErrAcquireTimeout))

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	assert.ErrorIs(t, s.Release(), ErrNotAcquired)
}

func TestNew_DefaultSize(t *testing.T) {
	s := New(0)
	assert.Equal(t, DefaultSize, cap(s.ch))
}
