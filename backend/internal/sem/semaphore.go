// Package sem 基于 channel 的计数信号量，限制 ws 编辑提交和 Kafka 发送的并发数
package sem

import (
	"context"
	"errors"
	"fmt"
)

const DefaultSize = 100

var (
	ErrAcquireTimeout = errors.New("acquire reach time limit")
	ErrNotAcquired    = errors.New("release failed, semaphore is not acquired")
)

type Semaphore struct {
	ch chan struct{}
}

func New(size int) *Semaphore {
	if size <= 0 {
		size = DefaultSize
	}
	return &Semaphore{ch: make(chan struct{}, size)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
	}
}

func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前占用数
func (s *Semaphore) InUse() int { return len(s.ch) }
