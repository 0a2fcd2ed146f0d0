package presence

import (
	"sort"
	"sync"
	"time"

	"docsync/backend/internal/channel"
	"docsync/backend/internal/clock"
)

const (
	DefaultTypingTimeout = 3 * time.Second
	DefaultEntryTTL      = 30 * time.Second
)

type RosterOptions struct {
	// 超过这个时间没有收到新的 isTyping=true，就认为对方已经停止输入（对方的 false 可能丢了）
	TypingTimeout time.Duration
	// 超过这个时间没有任何消息，删除条目
	EntryTTL time.Duration
	Clock    clock.Clock
}

type rosterEntry struct {
	Entry
	typingAt time.Time
}

// Roster 一个文档的远端在线列表，按 userId 去重
type Roster struct {
	mu            sync.Mutex
	docID         string
	entries       map[string]*rosterEntry
	clock         clock.Clock
	typingTimeout time.Duration
	ttl           time.Duration
	timer         clock.Timer
	timerAt       time.Time
	closed        bool

	listeners    map[int]func([]Entry)
	nextListener int
}

func NewRoster(docID string, opts RosterOptions) *Roster {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = DefaultEntryTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Roster{
		docID:         docID,
		entries:       make(map[string]*rosterEntry),
		clock:         opts.Clock,
		typingTimeout: opts.TypingTimeout,
		ttl:           opts.EntryTTL,
		listeners:     make(map[int]func([]Entry)),
	}
}

// OnChange 列表变化时回调，参数是变化后的完整列表
func (r *Roster) OnChange(fn func([]Entry)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// Apply 收到对端的 presence 消息
func (r *Roster) Apply(p channel.Presence) {
	if p.UserID == "" {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	now := r.clock.Now()
	e, ok := r.entries[p.UserID]
	if !ok {
		e = &rosterEntry{Entry: Entry{DocumentID: r.docID, UserID: p.UserID}}
		r.entries[p.UserID] = e
	}
	e.DisplayName = p.DisplayName
	e.Color = p.Color
	if e.Color == "" {
		e.Color = ColorFor(p.UserID)
	}
	e.IsTyping = p.IsTyping
	if p.IsTyping {
		e.typingAt = now
	}
	e.Cursor = nil
	if p.Cursor != nil {
		c := *p.Cursor
		e.Cursor = &c
	}
	e.LastSeenAt = now
	r.rearmLocked()
	list, fns := r.snapshotLocked()
	r.mu.Unlock()
	notify(fns, list)
}

// Remove 对端离开
func (r *Roster) Remove(userID string) {
	r.mu.Lock()
	if _, ok := r.entries[userID]; !ok || r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.entries, userID)
	r.rearmLocked()
	list, fns := r.snapshotLocked()
	r.mu.Unlock()
	notify(fns, list)
}

// List 按 userId 排序
func (r *Roster) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Roster) sweep() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	now := r.clock.Now()
	changed := false
	for id, e := range r.entries {
		if !now.Before(e.LastSeenAt.Add(r.ttl)) {
			delete(r.entries, id)
			changed = true
			continue
		}
		if e.IsTyping && !now.Before(e.typingAt.Add(r.typingTimeout)) {
			e.IsTyping = false
			changed = true
		}
	}
	r.rearmLocked()
	if !changed {
		r.mu.Unlock()
		return
	}
	list, fns := r.snapshotLocked()
	r.mu.Unlock()
	notify(fns, list)
}

// rearmLocked 定时器对准最近的一个截止时间
func (r *Roster) rearmLocked() {
	var next time.Time
	for _, e := range r.entries {
		at := e.LastSeenAt.Add(r.ttl)
		if e.IsTyping {
			if t := e.typingAt.Add(r.typingTimeout); t.Before(at) {
				at = t
			}
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	if r.timer != nil {
		if !next.IsZero() && next.Equal(r.timerAt) {
			return
		}
		r.timer.Stop()
		r.timer = nil
	}
	if next.IsZero() {
		return
	}
	d := next.Sub(r.clock.Now())
	if d < 0 {
		d = 0
	}
	r.timerAt = next
	r.timer = r.clock.AfterFunc(d, r.sweep)
}

func (r *Roster) snapshotLocked() ([]Entry, []func([]Entry)) {
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]Entry), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	return r.listLocked(), fns
}

func (r *Roster) listLocked() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		cp := e.Entry
		if cp.Cursor != nil {
			c := *cp.Cursor
			cp.Cursor = &c
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func notify(fns []func([]Entry), list []Entry) {
	for _, fn := range fns {
		fn(list)
	}
}

func (r *Roster) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
