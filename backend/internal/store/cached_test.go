package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/errs"
)

type countingStateStore struct {
	StateStore
	gets int
}

func (c *countingStateStore) GetLatestState(ctx context.Context, kind, docID string) (LatestState, error) {
	c.gets++
	return c.StateStore.GetLatestState(ctx, kind, docID)
}

func TestCachedStateStore(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	inner := &countingStateStore{StateStore: NewMemoryStore()}
	c := NewCachedStateStore(inner, rdb)
	doc := "cache-" + uuid.NewString()
	defer rdb.Del(ctx, stateKey("document", doc))

	// 不存在：写空值标记，第二次不回源
	_, err := c.GetLatestState(ctx, "document", doc)
	require.True(t, errs.IsNotFound(err))
	_, err = c.GetLatestState(ctx, "document", doc)
	require.True(t, errs.IsNotFound(err))
	assert.Equal(t, 1, inner.gets)

	// 写入直接覆盖空值标记，之后的读不回源
	require.NoError(t, c.PutLatestState(ctx, LatestState{Kind: "document", DocumentID: doc, EncodedState: []byte("x"), MaterializedContent: "{}"}))
	st, err := c.GetLatestState(ctx, "document", doc)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), st.EncodedState)
	st, err = c.GetLatestState(ctx, "document", doc)
	require.NoError(t, err)
	assert.Equal(t, "{}", st.MaterializedContent)
	assert.Equal(t, 1, inner.gets)
}

// 写入前开始的回源读拿到旧状态，回填时不能盖掉刚写入的新状态
func TestCachedStateStore_SlowReadDoesNotOverwriteNewerState(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	inner := &countingStateStore{StateStore: NewMemoryStore()}
	c := NewCachedStateStore(inner, rdb)
	doc := "cache-" + uuid.NewString()
	key := stateKey("document", doc)
	defer rdb.Del(ctx, key)

	old := LatestState{Kind: "document", DocumentID: doc, EncodedState: []byte("old")}
	require.NoError(t, inner.PutLatestState(ctx, old))
	stale, err := inner.GetLatestState(ctx, "document", doc)
	require.NoError(t, err)

	require.NoError(t, c.PutLatestState(ctx, LatestState{Kind: "document", DocumentID: doc, EncodedState: []byte("new")}))
	c.fill(ctx, key, stale)

	st, err := c.GetLatestState(ctx, "document", doc)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), st.EncodedState)

	// 缓存被清掉后正常回填
	require.NoError(t, rdb.Del(ctx, key).Err())
	st, err = c.GetLatestState(ctx, "document", doc)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), st.EncodedState)
	assert.Equal(t, 2, inner.gets)
}
