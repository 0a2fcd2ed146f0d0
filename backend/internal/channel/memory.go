package channel

import (
	"context"
	"errors"
	"sync"

	"docsync/backend/internal/errs"
)

var errBusDown = errors.New("memory bus is down")

// MemoryBus 进程内频道，单机部署和测试用。
// 每条消息都走一遍 Encode/Decode，订阅方拿到的是独立副本。
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	down   bool
}

type memorySub struct {
	bus     *MemoryBus
	topic   string
	h       Handler
	onState func(State)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler, onState func(State)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.TransientChannel("subscribe", topic, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, errs.TransientChannel("subscribe", topic, errBusDown)
	}
	s := &memorySub{bus: b, topic: topic, h: h, onState: onState}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySub]struct{})
	}
	b.topics[topic][s] = struct{}{}
	return s, nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, m Message) error {
	if err := ctx.Err(); err != nil {
		return errs.TransientChannel("publish", topic, err)
	}
	raw, err := Encode(m)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.down {
		b.mu.RUnlock()
		return errs.TransientChannel("publish", topic, errBusDown)
	}
	subs := make([]*memorySub, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	// 锁外回调，handler 里可以再调用 Publish
	for _, s := range subs {
		msg, err := Decode(raw)
		if err != nil {
			return err
		}
		s.h(msg)
	}
	return nil
}

// SetDown 模拟频道断开/恢复。恢复时所有订阅者收到 StateSubscribed，相当于重新订阅成功。
func (b *MemoryBus) SetDown(down bool) {
	b.mu.Lock()
	if b.down == down {
		b.mu.Unlock()
		return
	}
	b.down = down
	var subs []*memorySub
	for _, set := range b.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	state := StateSubscribed
	if down {
		state = StateDisconnected
	}
	for _, s := range subs {
		if s.onState != nil {
			s.onState(state)
		}
	}
}

// Subscribers 当前主题的订阅数
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (s *memorySub) Close() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.topics, s.topic)
		}
	}
	return nil
}
