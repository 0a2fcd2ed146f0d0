package offline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *SQLiteCache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestState(t *testing.T) {
	ctx := context.Background()
	c := openTemp(t)

	_, ok, err := c.LoadState(ctx, "document", "d1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SaveState(ctx, "document", "d1", []byte("v1")))
	require.NoError(t, c.SaveState(ctx, "document", "d1", []byte("v2")))
	state, ok, err := c.LoadState(ctx, "document", "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), state)
}

func TestPendingQueue(t *testing.T) {
	ctx := context.Background()
	c := openTemp(t)

	id1, err := c.AppendPending(ctx, "document", "d1", []byte("u1"))
	require.NoError(t, err)
	_, err = c.AppendPending(ctx, "document", "d1", []byte("u2"))
	require.NoError(t, err)
	_, err = c.AppendPending(ctx, "document", "d2", []byte("other"))
	require.NoError(t, err)

	list, err := c.PendingUpdates(ctx, "document", "d1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []byte("u1"), list[0].Payload)
	assert.Equal(t, []byte("u2"), list[1].Payload)

	require.NoError(t, c.AckPending(ctx, id1))
	list, err = c.PendingUpdates(ctx, "document", "d1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []byte("u2"), list[0].Payload)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offline.db")
	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.SaveState(ctx, "document", "d1", []byte("persisted")))
	_, err = c.AppendPending(ctx, "document", "d1", []byte("u1"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()
	state, ok, err := c.LoadState(ctx, "document", "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), state)
	list, err := c.PendingUpdates(ctx, "document", "d1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
