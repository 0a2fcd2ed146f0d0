package presence

import (
	"sync"
	"time"

	"docsync/backend/internal/channel"
	"docsync/backend/internal/clock"
)

const DefaultTypingIdle = 500 * time.Millisecond

// Broadcaster 本地用户的在线状态。send 只负责投递，不能阻塞编辑路径。
type Broadcaster struct {
	mu    sync.Mutex
	self  channel.Presence
	send  func(channel.Message)
	clock clock.Clock
	idle  time.Duration
	timer clock.Timer
	left  bool
}

type BroadcasterOptions struct {
	TypingIdle time.Duration
	Clock      clock.Clock
}

func NewBroadcaster(user User, send func(channel.Message), opts BroadcasterOptions) *Broadcaster {
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = DefaultTypingIdle
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Broadcaster{
		self: channel.Presence{
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			Color:       ColorFor(user.ID),
		},
		send:  send,
		clock: opts.Clock,
		idle:  opts.TypingIdle,
	}
}

// Connect 连上之后先发一次当前状态
func (b *Broadcaster) Connect() { b.publish(nil) }

// Heartbeat 周期性重发，防止对端按 TTL 把自己清掉
func (b *Broadcaster) Heartbeat() { b.publish(nil) }

// NotifyLocalEdit 本地每次编辑调用。只有从未输入切换到输入时才发消息；停止输入 idle 之后发 isTyping=false。
func (b *Broadcaster) NotifyLocalEdit() {
	b.mu.Lock()
	if b.left {
		b.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = b.clock.AfterFunc(b.idle, b.onIdle)
	changed := !b.self.IsTyping
	b.self.IsTyping = true
	msg := b.messageLocked()
	b.mu.Unlock()

	if changed {
		b.send(msg)
	}
}

func (b *Broadcaster) onIdle() {
	b.publish(func(p *channel.Presence) bool {
		if !p.IsTyping {
			return false
		}
		p.IsTyping = false
		return true
	})
}

func (b *Broadcaster) SetCursor(c *channel.Cursor) {
	b.publish(func(p *channel.Presence) bool {
		if c == nil {
			p.Cursor = nil
		} else {
			cp := *c
			p.Cursor = &cp
		}
		return true
	})
}

// Leave 发送离开消息，之后的调用都是空操作
func (b *Broadcaster) Leave() {
	b.mu.Lock()
	if b.left {
		b.mu.Unlock()
		return
	}
	b.left = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	p := b.self
	b.mu.Unlock()
	b.send(channel.Message{Kind: channel.KindLeave, Presence: &p})
}

// State 当前本地状态的副本
func (b *Broadcaster) State() channel.Presence {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.messageLocked().Presence
}

func (b *Broadcaster) publish(mutate func(p *channel.Presence) bool) {
	b.mu.Lock()
	if b.left {
		b.mu.Unlock()
		return
	}
	if mutate != nil && !mutate(&b.self) {
		b.mu.Unlock()
		return
	}
	msg := b.messageLocked()
	b.mu.Unlock()
	b.send(msg)
}

func (b *Broadcaster) messageLocked() channel.Message {
	p := b.self
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	return channel.Message{Kind: channel.KindPresence, Presence: &p}
}
