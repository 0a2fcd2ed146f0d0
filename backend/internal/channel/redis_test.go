package channel

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/logging"
)

func TestRedisChannel_PublishSubscribe(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	c := NewRedisChannel(rdb, logging.Discard())
	got := make(chan Message, 4)
	sub, err := c.Subscribe(ctx, "doc-sync:redis-test", func(m Message) { got <- m }, nil)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Publish(ctx, "doc-sync:redis-test", Message{Kind: KindUpdate, Sender: "p", Payload: []byte("hello")}))
	select {
	case m := <-got:
		assert.Equal(t, KindUpdate, m.Kind)
		assert.Equal(t, []byte("hello"), m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
