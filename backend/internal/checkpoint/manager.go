// Package checkpoint 周期性/按操作数给文档打完整状态快照，并支持手动快照和从快照恢复出新副本
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"

	"docsync/backend/internal/clock"
	"docsync/backend/internal/errs"
	"docsync/backend/internal/events"
	"docsync/backend/internal/replica"
	"docsync/backend/internal/store"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultOpThreshold = 1000

	autoDescription = "auto checkpoint"
	systemActor     = "system"
	writeTimeout    = 30 * time.Second
)

// Source 可以导出完整状态的对象，通常是 *replica.Replica
type Source interface {
	DocumentID() string
	EncodeFullState() ([]byte, error)
}

type Options struct {
	Interval    time.Duration
	OpThreshold int
	Clock       clock.Clock
	Logger      log.Interface
	Events      events.Sink
}

type Manager struct {
	src    Source
	store  store.SnapshotStore
	clock  clock.Clock
	logger log.Interface
	events events.Sink

	interval    time.Duration
	opThreshold int

	mu       sync.Mutex
	opsSince int
	lastAt   time.Time
	timer    clock.Timer
	closed   bool

	// 后台写入
	inflight sync.WaitGroup
}

func New(src Source, st store.SnapshotStore, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.OpThreshold <= 0 {
		opts.OpThreshold = DefaultOpThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("module", "checkpoint")
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	m := &Manager{
		src:         src,
		store:       st,
		clock:       opts.Clock,
		logger:      opts.Logger.WithField("document", src.DocumentID()),
		events:      opts.Events,
		interval:    opts.Interval,
		opThreshold: opts.OpThreshold,
	}
	m.mu.Lock()
	m.lastAt = m.clock.Now()
	m.armLocked(m.interval)
	m.mu.Unlock()
	return m
}

// RecordOps 记录新生效的 op 数，达到阈值（或时间已到）立即在后台打快照
func (m *Manager) RecordOps(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.opsSince += n
	due := m.opsSince >= m.opThreshold || m.clock.Now().Sub(m.lastAt) >= m.interval
	if due {
		m.fireLocked()
	}
	m.mu.Unlock()
}

// OpsSinceCheckpoint 距上次自动快照的 op 数
func (m *Manager) OpsSinceCheckpoint() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opsSince
}

func (m *Manager) onTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.timer = nil
	elapsed := m.clock.Now().Sub(m.lastAt)
	if elapsed < m.interval {
		m.armLocked(m.interval - elapsed)
		return
	}
	// 这段时间没有任何编辑就不打快照，下一个 op 到来时会立即触发
	if m.opsSince == 0 {
		return
	}
	m.fireLocked()
}

// fireLocked 计数器在触发时同步清零，写入放到后台
func (m *Manager) fireLocked() {
	m.opsSince = 0
	m.lastAt = m.clock.Now()
	m.armLocked(m.interval)

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if _, err := m.create(ctx, autoDescription, systemActor); err != nil {
			m.logger.WithError(err).Error("automatic checkpoint failed")
		}
	}()
}

func (m *Manager) armLocked(d time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.clock.AfterFunc(d, m.onTimer)
}

// Create 手动快照，与自动触发的计数无关
func (m *Manager) Create(ctx context.Context, description, createdBy string) (store.Snapshot, error) {
	return m.create(ctx, description, createdBy)
}

func (m *Manager) create(ctx context.Context, description, createdBy string) (store.Snapshot, error) {
	docID := m.src.DocumentID()
	state, err := m.src.EncodeFullState()
	if err != nil {
		return store.Snapshot{}, err
	}
	snap, err := m.store.CreateSnapshot(ctx, store.Snapshot{
		DocumentID:   docID,
		EncodedState: state,
		Description:  description,
		CreatedAt:    m.clock.Now(),
		CreatedBy:    createdBy,
	})
	if err != nil {
		return store.Snapshot{}, errs.PersistenceWrite("createSnapshot", docID, err)
	}
	m.logger.WithFields(log.Fields{"snapshot": snap.ID, "by": createdBy}).Info("snapshot created")
	if err := m.events.Publish(ctx, events.DocEvent{
		EventType:  events.SnapshotCreated,
		DocID:      docID,
		ActorID:    createdBy,
		SnapshotID: snap.ID,
		Detail:     description,
		OccurredAt: snap.CreatedAt,
	}); err != nil {
		m.logger.WithError(err).Warn("publish snapshot event failed")
	}
	return snap, nil
}

// Restore 从快照构造一个全新的副本，不碰当前在线副本
func (m *Manager) Restore(ctx context.Context, snapshotID string) (*replica.Replica, error) {
	docID := m.src.DocumentID()
	snap, err := m.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.DocumentID != docID {
		return nil, errs.NotFound("restoreSnapshot", docID, nil)
	}
	return replica.FromEncodedState(docID, "", snap.EncodedState)
}

func (m *Manager) List(ctx context.Context) ([]store.Snapshot, error) {
	return m.store.ListSnapshots(ctx, m.src.DocumentID())
}

// Wait 等待后台快照写完
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Close 取消定时器并等待后台写入结束
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.inflight.Wait()
}
