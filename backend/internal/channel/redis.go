package channel

import (
	"context"

	"github.com/apex/log"
	redis "github.com/redis/go-redis/v9"

	"docsync/backend/internal/errs"
)

// RedisChannel 基于 redis pub/sub 的跨节点频道。
// go-redis 断线后会自动重连并重新订阅，重新订阅成功时会收到 subscribe 确认，据此通知 StateSubscribed。
type RedisChannel struct {
	rdb    redis.UniversalClient
	logger log.Interface
}

func NewRedisChannel(rdb redis.UniversalClient, logger log.Interface) *RedisChannel {
	if logger == nil {
		logger = log.WithField("module", "channel")
	}
	return &RedisChannel{rdb: rdb, logger: logger}
}

type redisSub struct {
	ps   *redis.PubSub
	done chan struct{}
}

func (c *RedisChannel) Subscribe(ctx context.Context, topic string, h Handler, onState func(State)) (Subscription, error) {
	ps := c.rdb.Subscribe(ctx, topic)
	// 等待 subscribe 确认，确认之前不算订阅成功
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errs.TransientChannel("subscribe", topic, err)
	}

	s := &redisSub{ps: ps, done: make(chan struct{})}
	ch := ps.ChannelWithSubscriptions()
	go func() {
		defer close(s.done)
		for v := range ch {
			switch m := v.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" && onState != nil {
					onState(StateSubscribed)
				}
			case *redis.Message:
				msg, err := Decode([]byte(m.Payload))
				if err != nil {
					c.logger.WithError(err).WithField("topic", topic).Warn("drop undecodable message")
					continue
				}
				h(msg)
			}
		}
		if onState != nil {
			onState(StateDisconnected)
		}
	}()
	return s, nil
}

func (c *RedisChannel) Publish(ctx context.Context, topic string, m Message) error {
	raw, err := Encode(m)
	if err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, topic, raw).Err(); err != nil {
		return errs.TransientChannel("publish", topic, err)
	}
	return nil
}

func (s *redisSub) Close() error {
	err := s.ps.Close()
	<-s.done
	return err
}
