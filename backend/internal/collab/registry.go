package collab

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/cornelk/hashmap"

	"docsync/backend/internal/presence"
)

// registryEntry 一个文档的打开状态。ready 在 OpenSession 返回后关闭；
// closing 之后 done 在最终落库完成、条目移除后关闭。字段由 Registry.mu 保护，live 可无锁读。
type registryEntry struct {
	ready   chan struct{}
	done    chan struct{}
	session *Session
	err     error
	refs    int
	closing bool

	live atomic.Pointer[Session]
}

// Registry 本进程内打开的文档，每个文档一个 Session，按引用计数关闭。
// mu 只保护条目的增删和计数，打开、关闭这类 I/O 都在锁外按文档进行。
type Registry struct {
	cfg      SessionConfig
	logger   log.Interface
	sessions *hashmap.HashMap

	mu sync.Mutex
}

func NewRegistry(cfg SessionConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("module", "registry")
	}
	return &Registry{cfg: cfg, logger: logger, sessions: hashmap.New(32)}
}

func (r *Registry) entryLocked(docID string) (*registryEntry, bool) {
	v, ok := r.sessions.GetStringKey(docID)
	if !ok {
		return nil, false
	}
	return v.(*registryEntry), true
}

// Acquire 打开（或复用）文档，调用方用完后必须 Release。
// 同一文档正在关闭时等它落库完成再重新打开；正在打开时等同一次打开的结果。
func (r *Registry) Acquire(ctx context.Context, docID string, user presence.User) (*Session, error) {
	for {
		r.mu.Lock()
		e, ok := r.entryLocked(docID)
		if !ok {
			e = &registryEntry{ready: make(chan struct{}), refs: 1}
			r.sessions.Set(docID, e)
			r.mu.Unlock()
			return r.open(ctx, docID, user, e)
		}
		if e.closing {
			done := e.done
			r.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		e.refs++
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			// 打开者自己持有一个引用，这里减掉不会归零
			r.mu.Lock()
			e.refs--
			r.mu.Unlock()
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.session, nil
	}
}

func (r *Registry) open(ctx context.Context, docID string, user presence.User, e *registryEntry) (*Session, error) {
	s, err := OpenSession(ctx, docID, r.cfg, user)
	r.mu.Lock()
	if err != nil {
		e.err = err
		r.sessions.Del(docID)
	} else {
		e.session = s
		e.live.Store(s)
	}
	close(e.ready)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r.logger.WithField("document", docID).Info("session opened")
	return s, nil
}

// Release 引用归零时关闭 Session（最终落库并退订）。
// 关闭期间条目保留为 closing，同一文档的 Acquire 会等到落库完成。
func (r *Registry) Release(ctx context.Context, docID string) error {
	r.mu.Lock()
	e, ok := r.entryLocked(docID)
	if !ok || e.closing || e.session == nil {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	e.closing = true
	e.done = make(chan struct{})
	e.live.Store(nil)
	r.mu.Unlock()

	err := e.session.Close(ctx)
	r.finish(docID, e)
	r.logger.WithField("document", docID).Info("session closed")
	return err
}

func (r *Registry) finish(docID string, e *registryEntry) {
	r.mu.Lock()
	if cur, ok := r.entryLocked(docID); ok && cur == e {
		r.sessions.Del(docID)
	}
	close(e.done)
	r.mu.Unlock()
}

// Get 不增加引用
func (r *Registry) Get(docID string) (*Session, bool) {
	v, ok := r.sessions.GetStringKey(docID)
	if !ok {
		return nil, false
	}
	s := v.(*registryEntry).live.Load()
	return s, s != nil
}

// Len 包括正在打开和正在关闭的文档
func (r *Registry) Len() int { return r.sessions.Len() }

// Documents 当前打开的文档 id，排序后返回
func (r *Registry) Documents() []string {
	var ids []string
	for kv := range r.sessions.Iter() {
		if kv.Value.(*registryEntry).live.Load() != nil {
			ids = append(ids, kv.Key.(string))
		}
	}
	sort.Strings(ids)
	return ids
}

// Close 关闭所有已打开的 Session，并等其他 goroutine 发起的关闭完成，进程退出时调用
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	var (
		mine    = make(map[string]*registryEntry)
		waiting []chan struct{}
	)
	for kv := range r.sessions.Iter() {
		e := kv.Value.(*registryEntry)
		switch {
		case e.closing:
			waiting = append(waiting, e.done)
		case e.session != nil:
			e.closing = true
			e.done = make(chan struct{})
			e.live.Store(nil)
			mine[kv.Key.(string)] = e
		}
	}
	r.mu.Unlock()

	var firstErr error
	for docID, e := range mine {
		if err := e.session.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		r.finish(docID, e)
	}
	for _, done := range waiting {
		select {
		case <-done:
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
	}
	return firstErr
}
