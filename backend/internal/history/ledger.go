// Package history 内容级的只追加版本账本：自动保存（去重）、手动保存、带备份的恢复。
package history

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/cespare/xxhash/v2"

	"docsync/backend/internal/clock"
	"docsync/backend/internal/errs"
	"docsync/backend/internal/events"
	"docsync/backend/internal/store"
)

const (
	DefaultAutosaveDelay = 3 * time.Minute
	autosaveTimeout      = 30 * time.Second
)

// ContentSource 账本记录和恢复的内容来源：CRDT 会话或纯文本文档
type ContentSource interface {
	Content() (string, error)
	ReplaceContent(content string) error
}

type Author struct {
	ID   string
	Name string
}

var systemAuthor = Author{ID: "system", Name: "system"}

type Options struct {
	AutosaveDelay time.Duration
	Clock         clock.Clock
	Logger        log.Interface
	Events        events.Sink
}

// Hash 内容哈希（xxhash64 的十六进制）
func Hash(content string) string {
	return strconv.FormatUint(xxhash.Sum64String(content), 16)
}

type Ledger struct {
	docID  string
	store  store.VersionStore
	src    ContentSource
	clock  clock.Clock
	logger log.Interface
	events events.Sink
	delay  time.Duration

	// 串行化所有追加操作
	opMu sync.Mutex

	mu         sync.Mutex
	timer      clock.Timer
	lastEditor Author
	current    int64
	closed     bool
}

func New(docID string, vs store.VersionStore, src ContentSource, opts Options) *Ledger {
	if opts.AutosaveDelay <= 0 {
		opts.AutosaveDelay = DefaultAutosaveDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("module", "history")
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Ledger{
		docID:  docID,
		store:  vs,
		src:    src,
		clock:  opts.Clock,
		logger: opts.Logger.WithField("document", docID),
		events: opts.Events,
		delay:  opts.AutosaveDelay,
	}
}

// Init 文档还没有任何版本时写入 Created；已有版本时把当前指针对齐到最新版本
func (l *Ledger) Init(ctx context.Context, author Author) (store.VersionRecord, bool, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	latest, ok, err := l.store.LatestVersion(ctx, l.docID)
	if err != nil {
		return store.VersionRecord{}, false, err
	}
	if ok {
		l.setCurrent(latest.VersionNumber)
		return latest, false, nil
	}
	content, err := l.src.Content()
	if err != nil {
		return store.VersionRecord{}, false, err
	}
	rec, err := l.appendLocked(ctx, store.VersionCreated, author, content, "", nil)
	if err != nil {
		return store.VersionRecord{}, false, err
	}
	return rec, true, nil
}

// NotifyChange 内容变化时调用，重新计时自动保存
func (l *Ledger) NotifyChange(editor Author) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if editor.ID != "" {
		l.lastEditor = editor
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = l.clock.AfterFunc(l.delay, l.onAutosaveTimer)
}

func (l *Ledger) onAutosaveTimer() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), autosaveTimeout)
	defer cancel()
	if _, _, err := l.Autosave(ctx); err != nil {
		l.logger.WithError(err).Error("autosave failed")
	}
}

// Autosave 内容哈希与最后一条记录相同则跳过，返回 saved=false
func (l *Ledger) Autosave(ctx context.Context) (store.VersionRecord, bool, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	content, err := l.src.Content()
	if err != nil {
		return store.VersionRecord{}, false, err
	}
	latest, ok, err := l.store.LatestVersion(ctx, l.docID)
	if err != nil {
		return store.VersionRecord{}, false, err
	}
	if ok && latest.ContentHash == Hash(content) {
		return latest, false, nil
	}

	l.mu.Lock()
	author := l.lastEditor
	l.mu.Unlock()
	if author.ID == "" {
		author = systemAuthor
	}
	rec, err := l.appendLocked(ctx, store.VersionAutosave, author, content, "", nil)
	if err != nil {
		return store.VersionRecord{}, false, err
	}
	return rec, true, nil
}

// SaveManual 取消待执行的自动保存，无条件追加一条 Manual
func (l *Ledger) SaveManual(ctx context.Context, author Author, note string) (store.VersionRecord, error) {
	l.cancelAutosave()
	l.opMu.Lock()
	defer l.opMu.Unlock()
	content, err := l.src.Content()
	if err != nil {
		return store.VersionRecord{}, err
	}
	return l.appendLocked(ctx, store.VersionManual, author, content, note, nil)
}

// Restore 先备份当前内容（Manual，备注引用 V），再追加 Restored（内容为 V），最后替换在线内容。
// 目标版本不存在或读取失败时不做任何改动。
func (l *Ledger) Restore(ctx context.Context, author Author, version int64) (backup, restored store.VersionRecord, err error) {
	l.cancelAutosave()
	l.opMu.Lock()
	defer l.opMu.Unlock()

	target, err := l.store.GetVersion(ctx, l.docID, version)
	if err != nil {
		return backup, restored, err
	}
	live, err := l.src.Content()
	if err != nil {
		return backup, restored, err
	}

	backup, err = l.appendLocked(ctx, store.VersionManual, author, live,
		fmt.Sprintf("Backup before restoring version %d", version), nil)
	if err != nil {
		return backup, restored, err
	}
	from := version
	restored, err = l.appendLocked(ctx, store.VersionRestored, author, target.Content,
		fmt.Sprintf("Restored from version %d", version), &from)
	if err != nil {
		return backup, restored, err
	}
	if err := l.src.ReplaceContent(target.Content); err != nil {
		return backup, restored, err
	}

	if err := l.events.Publish(ctx, events.DocEvent{
		EventType:     events.DocumentRestored,
		DocID:         l.docID,
		ActorID:       author.ID,
		VersionNumber: restored.VersionNumber,
		RestoredFrom:  version,
		OccurredAt:    restored.CreatedAt,
	}); err != nil {
		l.logger.WithError(err).Warn("publish restore event failed")
	}
	return backup, restored, nil
}

func (l *Ledger) appendLocked(ctx context.Context, kind store.VersionKind, author Author, content, note string, restoredFrom *int64) (store.VersionRecord, error) {
	rec, err := l.store.AppendVersion(ctx, store.NewVersion{
		DocumentID:   l.docID,
		AuthorID:     author.ID,
		AuthorName:   author.Name,
		Content:      content,
		ContentHash:  Hash(content),
		Kind:         kind,
		Note:         note,
		RestoredFrom: restoredFrom,
	})
	if err != nil {
		if errs.IsKind(err, errs.KindVersionConflict) {
			return store.VersionRecord{}, err
		}
		return store.VersionRecord{}, errs.PersistenceWrite("appendVersion", l.docID, err)
	}
	l.setCurrent(rec.VersionNumber)
	l.logger.WithFields(log.Fields{"version": rec.VersionNumber, "kind": kind}).Info("version appended")
	if err := l.events.Publish(ctx, events.DocEvent{
		EventType:     events.VersionAppended,
		DocID:         l.docID,
		ActorID:       author.ID,
		VersionNumber: rec.VersionNumber,
		VersionKind:   string(kind),
		OccurredAt:    rec.CreatedAt,
	}); err != nil {
		l.logger.WithError(err).Warn("publish version event failed")
	}
	return rec, nil
}

func (l *Ledger) setCurrent(n int64) {
	l.mu.Lock()
	if n > l.current {
		l.current = n
	}
	l.mu.Unlock()
}

func (l *Ledger) cancelAutosave() {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
}

// Current 当前版本指针
func (l *Ledger) Current() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// AutosavePending 是否有待执行的自动保存
func (l *Ledger) AutosavePending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timer != nil
}

func (l *Ledger) List(ctx context.Context) ([]store.VersionRecord, error) {
	return l.store.ListVersions(ctx, l.docID)
}

func (l *Ledger) Close() {
	l.mu.Lock()
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
}
