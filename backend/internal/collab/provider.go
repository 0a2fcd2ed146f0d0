package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"docsync/backend/internal/channel"
	"docsync/backend/internal/clock"
	"docsync/backend/internal/delta"
	"docsync/backend/internal/errs"
	"docsync/backend/internal/events"
	"docsync/backend/internal/offline"
	"docsync/backend/internal/replica"
	"docsync/backend/internal/store"
)

var ErrProviderClosed = errors.New("provider closed")

type ProviderOptions struct {
	Strategy  Strategy
	Channel   channel.Channel
	Store     store.StateStore
	Snapshots store.SnapshotStore
	// 可选，为空时发送失败的更新只留在内存里
	Offline         offline.Cache
	Clock           clock.Clock
	Logger          log.Interface
	Events          events.Sink
	PersistDebounce time.Duration
	PeerID          string
	QueueSize       int
}

type outboundItem struct {
	msg     channel.Message
	drain   bool
	barrier chan struct{}
}

// Provider 一个文档副本和实时频道、持久化之间的桥。
// 本地和恢复产生的更新进入有序发送队列；远端更新只合并不回播；每次更新都重新计时持久化。
type Provider struct {
	docID    string
	strategy Strategy
	topic    string
	peerID   string

	replica   *replica.Replica
	ch        channel.Channel
	st        store.StateStore
	snapshots store.SnapshotStore
	offline   offline.Cache
	clock     clock.Clock
	logger    log.Interface
	events    events.Sink
	debounce  time.Duration

	mu          sync.Mutex
	connected   bool
	lastSync    time.Time
	flushTimer  clock.Timer
	gen         uint64
	flushedGen  uint64
	needsRecon  bool
	closed      bool
	unsent      [][]byte
	overflowed  bool
	remoteCbs   map[int]func(replica.Content)
	presenceCbs map[int]func(channel.Message)
	nextCb      int

	flushMu        sync.Mutex
	sub            channel.Subscription
	cancelListener func()
	outbound       chan outboundItem
	wg             sync.WaitGroup
}

// OpenProvider 冷启动（读持久化状态和离线缓存）、订阅频道，订阅确认之后才返回
func OpenProvider(ctx context.Context, docID string, opts ProviderOptions) (*Provider, error) {
	if opts.Strategy.Kind == "" {
		opts.Strategy = DocumentStrategy
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("module", "provider")
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.PersistDebounce <= 0 {
		opts.PersistDebounce = DefaultPersistDebounce
	}
	if opts.PeerID == "" {
		opts.PeerID = uuid.NewString()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	p := &Provider{
		docID:       docID,
		strategy:    opts.Strategy,
		topic:       opts.Strategy.Topic(docID),
		peerID:      opts.PeerID,
		replica:     replica.New(docID, opts.PeerID),
		ch:          opts.Channel,
		st:          opts.Store,
		snapshots:   opts.Snapshots,
		offline:     opts.Offline,
		clock:       opts.Clock,
		logger:      opts.Logger.WithFields(log.Fields{"document": docID, "kind": opts.Strategy.Kind, "peer": opts.PeerID}),
		events:      opts.Events,
		debounce:    opts.PersistDebounce,
		remoteCbs:   make(map[int]func(replica.Content)),
		presenceCbs: make(map[int]func(channel.Message)),
		outbound:    make(chan outboundItem, opts.QueueSize),
	}

	if err := p.coldStart(ctx); err != nil {
		return nil, err
	}

	p.cancelListener = p.replica.OnUpdate(p.onReplicaUpdate)
	sub, err := p.ch.Subscribe(ctx, p.topic, p.handleMessage, p.onChannelState)
	if err != nil {
		p.cancelListener()
		if errs.IsKind(err, errs.KindTransientChannel) {
			return nil, err
		}
		return nil, errs.TransientChannel("subscribe", docID, err)
	}
	p.sub = sub
	p.mu.Lock()
	p.connected = true
	p.lastSync = p.clock.Now()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.sendLoop()
	// 上次没发出去的更新
	p.enqueue(outboundItem{drain: true})
	p.logger.Info("provider opened")
	return p, nil
}

func (p *Provider) coldStart(ctx context.Context) error {
	kind := p.strategy.Kind
	latest, err := p.st.GetLatestState(ctx, kind, p.docID)
	switch {
	case errs.IsNotFound(err):
		seed := replica.EmptyState(p.docID)
		if err := p.st.PutLatestState(ctx, store.LatestState{
			Kind:                kind,
			DocumentID:          p.docID,
			EncodedState:        seed,
			MaterializedContent: replica.Content{}.JSON(),
			UpdatedAt:           p.clock.Now(),
		}); err != nil {
			return errs.PersistenceWrite("seedState", p.docID, err)
		}
	case err != nil:
		return err
	default:
		if _, err := p.replica.LoadFromEncodedState(latest.EncodedState); err != nil {
			p.quarantine(ctx, latest.EncodedState, err)
		}
	}

	if p.offline == nil {
		return nil
	}
	local, ok, err := p.offline.LoadState(ctx, kind, p.docID)
	if err != nil {
		p.logger.WithError(err).Warn("load offline state failed")
	} else if ok {
		if _, err := p.replica.LoadFromEncodedState(local); err != nil {
			p.logger.WithError(err).Warn("offline state undecodable, ignored")
		}
	}
	pending, err := p.offline.PendingUpdates(ctx, kind, p.docID)
	if err != nil {
		p.logger.WithError(err).Warn("load offline pending failed")
		return nil
	}
	for _, u := range pending {
		if _, err := p.replica.ApplyRemoteDelta(u.Payload, replica.Remote(p.peerID)); err != nil {
			p.logger.WithError(err).WithField("pending", u.ID).Warn("offline update undecodable")
		}
	}
	return nil
}

// quarantine 持久化状态解不出来：从空副本开始，坏数据另存为快照，等人工处理
func (p *Provider) quarantine(ctx context.Context, bad []byte, cause error) {
	p.mu.Lock()
	p.needsRecon = true
	p.mu.Unlock()
	entry := p.logger.WithError(cause)

	snapID := ""
	if p.snapshots != nil {
		snap, err := p.snapshots.CreateSnapshot(ctx, store.Snapshot{
			DocumentID:   p.docID,
			EncodedState: bad,
			Description:  "quarantined undecodable state",
			CreatedAt:    p.clock.Now(),
			CreatedBy:    "system",
		})
		if err != nil {
			entry = entry.WithField("quarantineError", err.Error())
		} else {
			snapID = snap.ID
		}
	}
	entry.WithField("snapshot", snapID).Error("persisted state undecodable, starting empty")
	if err := p.events.Publish(ctx, events.DocEvent{
		EventType:  events.StateQuarantined,
		DocID:      p.docID,
		Kind:       p.strategy.Kind,
		SnapshotID: snapID,
		Detail:     cause.Error(),
		OccurredAt: p.clock.Now(),
	}); err != nil {
		p.logger.WithError(err).Warn("publish quarantine event failed")
	}
}

func (p *Provider) DocumentID() string           { return p.docID }
func (p *Provider) PeerID() string               { return p.peerID }
func (p *Provider) Replica() *replica.Replica    { return p.replica }
func (p *Provider) Strategy() Strategy           { return p.strategy }
func (p *Provider) Materialize() replica.Content { return p.replica.Materialize() }

// NeedsReconciliation 冷启动时持久化状态损坏，已隔离
func (p *Provider) NeedsReconciliation() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.needsRecon
}

func (p *Provider) ConnectionStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Connected: p.connected, LastSyncTime: p.lastSync}
}

// OnRemoteContentChanged 远端更新生效后回调物化内容
func (p *Provider) OnRemoteContentChanged(cb func(replica.Content)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextCb
	p.nextCb++
	p.remoteCbs[id] = cb
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.remoteCbs, id)
	}
}

// OnPresence 同一主题上收到的 presence/leave 消息
func (p *Provider) OnPresence(cb func(channel.Message)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextCb
	p.nextCb++
	p.presenceCbs[id] = cb
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.presenceCbs, id)
	}
}

// BroadcastLocalChange 整段替换一个字段
func (p *Provider) BroadcastLocalChange(fieldID, value string) error {
	if p.isClosed() {
		return ErrProviderClosed
	}
	_, err := p.replica.SetField(fieldID, value, replica.Local())
	return err
}

func (p *Provider) ApplyLocalEdit(fieldID string, d delta.Delta) error {
	if p.isClosed() {
		return ErrProviderClosed
	}
	_, err := p.replica.ApplyLocalEdit(fieldID, d, replica.Local())
	return err
}

// SendPresence 在线状态走同一个有序队列，发送失败直接丢弃
func (p *Provider) SendPresence(m channel.Message) {
	m.Sender = p.peerID
	p.enqueue(outboundItem{msg: m})
}

func (p *Provider) onReplicaUpdate(ev replica.UpdateEvent) {
	p.scheduleFlush()
	switch ev.Origin.Kind {
	case replica.OriginLocal, replica.OriginRestore:
		p.enqueue(outboundItem{msg: channel.Message{Kind: channel.KindUpdate, Sender: p.peerID, Payload: ev.Update}})
	case replica.OriginRemote:
		p.mu.Lock()
		p.lastSync = p.clock.Now()
		cbs := sortedCallbacks(p.remoteCbs)
		p.mu.Unlock()
		if len(cbs) == 0 {
			return
		}
		content := p.replica.Materialize()
		for _, cb := range cbs {
			cb(content)
		}
	}
}

func (p *Provider) handleMessage(m channel.Message) {
	if m.Sender == p.peerID {
		return
	}
	switch m.Kind {
	case channel.KindUpdate:
		if _, err := p.replica.ApplyRemoteDelta(m.Payload, replica.Remote(m.Sender)); err != nil {
			p.logger.WithError(err).WithField("sender", m.Sender).Warn("drop undecodable update")
		}
	case channel.KindPresence, channel.KindLeave:
		if m.Presence == nil {
			return
		}
		p.mu.Lock()
		cbs := sortedCallbacks(p.presenceCbs)
		p.mu.Unlock()
		for _, cb := range cbs {
			cb(m)
		}
	}
}

func (p *Provider) onChannelState(s channel.State) {
	p.mu.Lock()
	switch s {
	case channel.StateSubscribed:
		p.connected = true
		p.lastSync = p.clock.Now()
	case channel.StateDisconnected:
		p.connected = false
	}
	p.mu.Unlock()
	p.logger.WithField("state", s.String()).Info("channel state changed")
	if s == channel.StateSubscribed {
		p.enqueue(outboundItem{drain: true})
	}
}

func (p *Provider) enqueue(item outboundItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if item.barrier != nil {
			close(item.barrier)
		}
		return
	}
	select {
	case p.outbound <- item:
	default:
		// 队列满了：更新先记在内存，由 sendLoop 随后补发；presence 丢弃
		if item.msg.Kind == channel.KindUpdate {
			p.unsent = append(p.unsent, item.msg.Payload)
			p.overflowed = true
		}
		if item.barrier != nil {
			close(item.barrier)
		}
	}
}

func (p *Provider) sendLoop() {
	defer p.wg.Done()
	for item := range p.outbound {
		switch {
		case item.barrier != nil:
			close(item.barrier)
		case item.drain:
			p.drainUnsent()
		default:
			p.publish(item.msg)
		}
		if p.takeOverflow() {
			p.drainUnsent()
		}
	}
}

func (p *Provider) takeOverflow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.overflowed
	p.overflowed = false
	return v
}

func (p *Provider) publish(m channel.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err := p.ch.Publish(ctx, p.topic, m)
	p.mu.Lock()
	if err == nil {
		p.lastSync = p.clock.Now()
		p.mu.Unlock()
		return
	}
	p.connected = false
	p.mu.Unlock()
	p.logger.WithError(errs.TransientChannel("publish", p.docID, err)).WithField("kind", string(m.Kind)).Warn("publish failed")
	if m.Kind == channel.KindUpdate {
		p.spill(m.Payload)
	}
}

// spill 只在 sendLoop 里调用，写离线缓存时不持有 p.mu
func (p *Provider) spill(payload []byte) {
	if p.offline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		_, err := p.offline.AppendPending(ctx, p.strategy.Kind, p.docID, payload)
		if err == nil {
			return
		}
		p.logger.WithError(err).Error("spill to offline cache failed, keeping in memory")
	}
	p.mu.Lock()
	p.unsent = append(p.unsent, payload)
	p.mu.Unlock()
}

// drainUnsent 重新订阅之后按原顺序补发，遇到失败停下等下一次
func (p *Provider) drainUnsent() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	p.mu.Lock()
	unsent := p.unsent
	p.unsent = nil
	p.mu.Unlock()
	for i, payload := range unsent {
		if err := p.ch.Publish(ctx, p.topic, channel.Message{Kind: channel.KindUpdate, Sender: p.peerID, Payload: payload}); err != nil {
			p.mu.Lock()
			p.connected = false
			p.unsent = append(unsent[i:len(unsent):len(unsent)], p.unsent...)
			p.mu.Unlock()
			return
		}
	}

	if p.offline == nil {
		return
	}
	pending, err := p.offline.PendingUpdates(ctx, p.strategy.Kind, p.docID)
	if err != nil {
		p.logger.WithError(err).Warn("read offline pending failed")
		return
	}
	sent := make([]int64, 0, len(pending))
	for _, u := range pending {
		if err := p.ch.Publish(ctx, p.topic, channel.Message{Kind: channel.KindUpdate, Sender: p.peerID, Payload: u.Payload}); err != nil {
			p.mu.Lock()
			p.connected = false
			p.mu.Unlock()
			break
		}
		sent = append(sent, u.ID)
	}
	if len(sent) == 0 {
		return
	}
	if err := p.offline.AckPending(ctx, sent...); err != nil {
		p.logger.WithError(err).Warn("ack offline pending failed")
	}
	p.logger.WithField("count", len(sent)).Info("republished offline updates")
}

// WaitSent 等待调用之前入队的消息全部处理完
func (p *Provider) WaitSent(ctx context.Context) error {
	done := make(chan struct{})
	p.enqueue(outboundItem{barrier: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnsentCount 还没送达频道的更新数（只算内存里的）
func (p *Provider) UnsentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.unsent)
}

func (p *Provider) scheduleFlush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.gen++
	p.armFlushLocked()
}

func (p *Provider) armFlushLocked() {
	if p.flushTimer != nil {
		p.flushTimer.Stop()
	}
	p.flushTimer = p.clock.AfterFunc(p.debounce, p.onFlushTimer)
}

func (p *Provider) onFlushTimer() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.flushTimer = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.flush(ctx); err != nil {
		p.logger.WithError(err).Error("debounced flush failed, retry later")
		p.mu.Lock()
		if !p.closed && p.flushTimer == nil {
			p.armFlushLocked()
		}
		p.mu.Unlock()
	}
}

// ForceFlush 立即写一次最新状态，取消待执行的防抖写
func (p *Provider) ForceFlush(ctx context.Context) error {
	p.mu.Lock()
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	p.mu.Unlock()
	return p.flush(ctx)
}

// Dirty 是否有还没落库的更新
func (p *Provider) Dirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen != p.flushedGen
}

func (p *Provider) flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	state, err := p.replica.EncodeFullState()
	if err != nil {
		return errs.PersistenceWrite("flush", p.docID, err)
	}
	err = p.st.PutLatestState(ctx, store.LatestState{
		Kind:                p.strategy.Kind,
		DocumentID:          p.docID,
		EncodedState:        state,
		MaterializedContent: p.replica.Materialize().JSON(),
		UpdatedAt:           p.clock.Now(),
	})
	if err != nil {
		return errs.PersistenceWrite("flush", p.docID, err)
	}
	if p.offline != nil {
		if err := p.offline.SaveState(ctx, p.strategy.Kind, p.docID, state); err != nil {
			p.logger.WithError(err).Warn("save offline state failed")
		}
	}

	p.mu.Lock()
	if gen > p.flushedGen {
		p.flushedGen = gen
	}
	p.mu.Unlock()
	p.logger.Debug("state flushed")
	return nil
}

// Destroy 停止接收本地更新，发完队列，同步落库，最后退订
func (p *Provider) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	close(p.outbound)
	p.mu.Unlock()

	p.cancelListener()
	p.wg.Wait()
	flushErr := p.flush(ctx)
	if flushErr != nil {
		p.logger.WithError(flushErr).Error("final flush failed")
	}
	if err := p.sub.Close(); err != nil {
		p.logger.WithError(err).Warn("unsubscribe failed")
	}

	p.mu.Lock()
	p.connected = false
	unsent := p.unsent
	p.unsent = nil
	p.mu.Unlock()
	if len(unsent) > 0 && p.offline != nil {
		for _, u := range unsent {
			if _, err := p.offline.AppendPending(ctx, p.strategy.Kind, p.docID, u); err != nil {
				p.logger.WithError(err).Warn("persist unsent update failed")
				break
			}
		}
	}
	p.logger.Info("provider destroyed")
	return flushErr
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func sortedCallbacks[T any](m map[int]T) []T {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
