package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"

	"docsync/backend/internal/channel"
	"docsync/backend/internal/checkpoint"
	"docsync/backend/internal/clock"
	"docsync/backend/internal/delta"
	"docsync/backend/internal/events"
	"docsync/backend/internal/history"
	"docsync/backend/internal/offline"
	"docsync/backend/internal/presence"
	"docsync/backend/internal/replica"
	"docsync/backend/internal/store"
)

// SessionConfig 一个进程内所有 Session 共用的依赖和参数
type SessionConfig struct {
	Strategy Strategy
	Channel  channel.Channel
	Store    store.Store
	Offline  offline.Cache
	Clock    clock.Clock
	Logger   log.Interface
	Events   events.Sink

	PersistDebounce    time.Duration
	CheckpointInterval time.Duration
	CheckpointOps      int
	AutosaveDelay      time.Duration
	TypingIdle         time.Duration
	TypingTimeout      time.Duration
	EntryTTL           time.Duration
}

// ContentChange 内容变化通知
type ContentChange struct {
	Content replica.Content
	Origin  replica.Origin
}

type localUser struct {
	b     *presence.Broadcaster
	conns int
}

// Session 一个打开的文档：副本 + Provider + 快照 + 版本历史 + 在线状态。
// 所有定时器都归它管，Close 一次性释放。
type Session struct {
	docID      string
	provider   *Provider
	checkpoint *checkpoint.Manager
	ledger     *history.Ledger
	roster     *presence.Roster
	store      store.Store
	clock      clock.Clock
	logger     log.Interface
	typingIdle time.Duration

	mu        sync.Mutex
	editor    history.Author
	locals    map[string]*localUser
	cancels   []func()
	listeners map[int]func(ContentChange)
	nextID    int
	closed    bool
}

// OpenSession 打开文档。文档第一次被打开时以 opener 的身份写入 Created 版本。
func OpenSession(ctx context.Context, docID string, cfg SessionConfig, opener presence.User) (*Session, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("module", "collab")
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}

	p, err := OpenProvider(ctx, docID, ProviderOptions{
		Strategy:        cfg.Strategy,
		Channel:         cfg.Channel,
		Store:           cfg.Store,
		Snapshots:       cfg.Store,
		Offline:         cfg.Offline,
		Clock:           cfg.Clock,
		Logger:          cfg.Logger,
		Events:          cfg.Events,
		PersistDebounce: cfg.PersistDebounce,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		docID:      docID,
		provider:   p,
		store:      cfg.Store,
		clock:      cfg.Clock,
		logger:     cfg.Logger.WithField("document", docID),
		typingIdle: cfg.TypingIdle,
		locals:     make(map[string]*localUser),
		listeners:  make(map[int]func(ContentChange)),
	}
	s.checkpoint = checkpoint.New(p.Replica(), cfg.Store, checkpoint.Options{
		Interval:    cfg.CheckpointInterval,
		OpThreshold: cfg.CheckpointOps,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
		Events:      cfg.Events,
	})
	s.ledger = history.New(docID, cfg.Store, s, history.Options{
		AutosaveDelay: cfg.AutosaveDelay,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
		Events:        cfg.Events,
	})
	s.roster = presence.NewRoster(docID, presence.RosterOptions{
		TypingTimeout: cfg.TypingTimeout,
		EntryTTL:      cfg.EntryTTL,
		Clock:         cfg.Clock,
	})
	s.cancels = append(s.cancels,
		p.Replica().OnUpdate(s.onUpdate),
		p.OnPresence(s.onPresence),
	)

	if _, _, err := s.ledger.Init(ctx, toAuthor(opener)); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func toAuthor(u presence.User) history.Author {
	return history.Author{ID: u.ID, Name: u.DisplayName}
}

func (s *Session) DocumentID() string               { return s.docID }
func (s *Session) Provider() *Provider              { return s.provider }
func (s *Session) Ledger() *history.Ledger          { return s.ledger }
func (s *Session) Checkpoints() *checkpoint.Manager { return s.checkpoint }

func (s *Session) onUpdate(ev replica.UpdateEvent) {
	s.checkpoint.RecordOps(ev.Ops)

	s.mu.Lock()
	editor := history.Author{}
	if ev.Origin.Kind == replica.OriginLocal {
		editor = s.editor
	}
	fns := sortedCallbacks(s.listeners)
	s.mu.Unlock()

	s.ledger.NotifyChange(editor)
	if len(fns) == 0 {
		return
	}
	change := ContentChange{Content: s.provider.Materialize(), Origin: ev.Origin}
	for _, fn := range fns {
		fn(change)
	}
}

func (s *Session) onPresence(m channel.Message) {
	switch m.Kind {
	case channel.KindPresence:
		s.roster.Apply(*m.Presence)
	case channel.KindLeave:
		s.roster.Remove(m.Presence.UserID)
	}
}

// OnChange 任何来源的内容变化（本地、远端、恢复）
func (s *Session) OnChange(fn func(ContentChange)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// OnPresenceChange 远端在线列表变化
func (s *Session) OnPresenceChange(fn func([]presence.Entry)) func() {
	return s.roster.OnChange(fn)
}

// Edit 用户在某个字段上的一次编辑
func (s *Session) Edit(user presence.User, fieldID string, d delta.Delta) error {
	s.setEditor(user)
	if err := s.provider.ApplyLocalEdit(fieldID, d); err != nil {
		return err
	}
	s.typing(user.ID)
	return nil
}

// SetField 用户整段替换字段
func (s *Session) SetField(user presence.User, fieldID, value string) error {
	s.setEditor(user)
	if err := s.provider.BroadcastLocalChange(fieldID, value); err != nil {
		return err
	}
	s.typing(user.ID)
	return nil
}

func (s *Session) setEditor(user presence.User) {
	s.mu.Lock()
	s.editor = toAuthor(user)
	s.mu.Unlock()
}

func (s *Session) typing(userID string) {
	s.mu.Lock()
	lu := s.locals[userID]
	s.mu.Unlock()
	if lu != nil {
		lu.b.NotifyLocalEdit()
	}
}

// Content 版本历史使用的内容：去掉空字段后的规范 JSON
func (s *Session) Content() (string, error) {
	c := s.provider.Materialize()
	for name, v := range c.Fields {
		if v == "" {
			delete(c.Fields, name)
		}
	}
	return c.JSON(), nil
}

// ReplaceContent 把在线内容改成目标内容，更新以 Restore 来源广播
func (s *Session) ReplaceContent(content string) error {
	target, err := replica.ParseContent(content)
	if err != nil {
		return err
	}
	current := s.provider.Materialize()
	names := make(map[string]struct{}, len(target.Fields)+len(current.Fields))
	for name := range target.Fields {
		names[name] = struct{}{}
	}
	for name := range current.Fields {
		names[name] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	r := s.provider.Replica()
	for _, name := range sorted {
		want := target.Fields[name]
		if current.Fields[name] == want {
			continue
		}
		if _, err := r.SetField(name, want, replica.Restore()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) Materialize() replica.Content { return s.provider.Materialize() }
func (s *Session) Status() Status               { return s.provider.ConnectionStatus() }

func (s *Session) NeedsReconciliation() bool { return s.provider.NeedsReconciliation() }

// Join 本地用户加入，同一用户多个连接共用一个 Broadcaster
func (s *Session) Join(user presence.User) *presence.Broadcaster {
	s.mu.Lock()
	lu := s.locals[user.ID]
	if lu != nil {
		lu.conns++
		s.mu.Unlock()
		return lu.b
	}
	b := presence.NewBroadcaster(user, s.provider.SendPresence, presence.BroadcasterOptions{
		TypingIdle: s.typingIdle,
		Clock:      s.clock,
	})
	s.locals[user.ID] = &localUser{b: b, conns: 1}
	s.mu.Unlock()
	b.Connect()
	return b
}

// Leave 用户的最后一个连接离开时广播 leave
func (s *Session) Leave(userID string) {
	s.mu.Lock()
	lu := s.locals[userID]
	if lu == nil {
		s.mu.Unlock()
		return
	}
	lu.conns--
	if lu.conns > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.locals, userID)
	s.mu.Unlock()
	lu.b.Leave()
}

// Heartbeat 所有本地用户重发一次状态
func (s *Session) Heartbeat() {
	s.mu.Lock()
	bs := make([]*presence.Broadcaster, 0, len(s.locals))
	for _, lu := range s.locals {
		bs = append(bs, lu.b)
	}
	s.mu.Unlock()
	for _, b := range bs {
		b.Heartbeat()
	}
}

func (s *Session) SetCursor(userID string, c *channel.Cursor) {
	s.mu.Lock()
	lu := s.locals[userID]
	s.mu.Unlock()
	if lu != nil {
		lu.b.SetCursor(c)
	}
}

// Presence 本节点用户加上远端用户，按 userId 排序
func (s *Session) Presence() []presence.Entry {
	now := s.clock.Now()
	byID := make(map[string]presence.Entry)
	for _, e := range s.roster.List() {
		byID[e.UserID] = e
	}
	s.mu.Lock()
	for id, lu := range s.locals {
		st := lu.b.State()
		byID[id] = presence.Entry{
			DocumentID:  s.docID,
			UserID:      st.UserID,
			DisplayName: st.DisplayName,
			Color:       st.Color,
			IsTyping:    st.IsTyping,
			Cursor:      st.Cursor,
			LastSeenAt:  now,
		}
	}
	s.mu.Unlock()
	out := make([]presence.Entry, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Session) SaveVersion(ctx context.Context, user presence.User, note string) (store.VersionRecord, error) {
	return s.ledger.SaveManual(ctx, toAuthor(user), note)
}

// RestoreVersion 返回备份记录和恢复记录
func (s *Session) RestoreVersion(ctx context.Context, user presence.User, version int64) (store.VersionRecord, store.VersionRecord, error) {
	return s.ledger.Restore(ctx, toAuthor(user), version)
}

func (s *Session) Versions(ctx context.Context) ([]store.VersionRecord, error) {
	return s.ledger.List(ctx)
}

func (s *Session) CreateSnapshot(ctx context.Context, description, createdBy string) (store.Snapshot, error) {
	return s.checkpoint.Create(ctx, description, createdBy)
}

func (s *Session) Snapshots(ctx context.Context) ([]store.Snapshot, error) {
	return s.checkpoint.List(ctx)
}

// PreviewSnapshot 快照内容预览，不影响在线副本
func (s *Session) PreviewSnapshot(ctx context.Context, snapshotID string) (replica.Content, error) {
	r, err := s.checkpoint.Restore(ctx, snapshotID)
	if err != nil {
		return replica.Content{}, err
	}
	return r.Materialize(), nil
}

func (s *Session) Flush(ctx context.Context) error {
	return s.provider.ForceFlush(ctx)
}

// Close 本地用户离开、补做未执行的自动保存、等后台快照写完，最后同步落库并退订
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	locals := s.locals
	s.locals = make(map[string]*localUser)
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, lu := range locals {
		lu.b.Leave()
	}
	for _, cancel := range cancels {
		cancel()
	}
	// 最后一个静默窗口里的编辑也要进版本记录
	pending := s.ledger.AutosavePending()
	s.ledger.Close()
	if pending {
		if _, _, err := s.ledger.Autosave(ctx); err != nil {
			s.logger.WithError(err).Error("final autosave failed")
		}
	}
	s.checkpoint.Close()
	s.roster.Close()
	return s.provider.Destroy(ctx)
}
