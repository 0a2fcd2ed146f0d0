package replica

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"docsync/backend/internal/delta"
	"docsync/backend/internal/errs"
)

type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
)

// Op CRDT 层的原子操作。Insert 的 ID 是新字符，Delete 的 ID 是要删除的字符。
type Op struct {
	Field  string `json:"f"`
	Kind   OpKind `json:"k"`
	ID     ID     `json:"id"`
	Origin *ID    `json:"o,omitempty"`
	Value  string `json:"v,omitempty"`
}

type update struct {
	Ops []Op `json:"ops"`
}

// Replica 一个打开的文档在本进程内的 CRDT 状态。
// apply/merge/materialize 都是纯内存操作，不做任何 I/O；监听回调在释放锁之后调用。
type Replica struct {
	mu    sync.Mutex
	docID string
	site  string
	clock uint64

	fields map[string]*sequence
	// 依赖（origin 或被删字符）还没到的 op，等依赖到了再集成
	pending     []Op
	pendingKeys map[Op]struct{}

	listeners    map[int]func(UpdateEvent)
	nextListener int
}

// New 创建空副本，site 为空时随机生成
func New(docID, site string) *Replica {
	if site == "" {
		site = uuid.NewString()
	}
	return &Replica{
		docID:       docID,
		site:        site,
		fields:      make(map[string]*sequence),
		pendingKeys: make(map[Op]struct{}),
		listeners:   make(map[int]func(UpdateEvent)),
	}
}

func (r *Replica) DocumentID() string { return r.docID }
func (r *Replica) Site() string       { return r.site }

// OnUpdate 注册更新监听，返回取消函数
func (r *Replica) OnUpdate(fn func(UpdateEvent)) func() {
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

func (r *Replica) emit(ev UpdateEvent) {
	r.mu.Lock()
	fns := make([]func(UpdateEvent), 0, len(r.listeners))
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// ApplyLocalEdit 把编辑器的 delta 作用到字段上，返回需要广播的 CRDT 更新。delta 为空时返回 nil。
func (r *Replica) ApplyLocalEdit(fieldID string, d delta.Delta, origin Origin) ([]byte, error) {
	r.mu.Lock()
	ops, err := r.localEditLocked(fieldID, d)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.finishLocal(ops, origin)
}

// SetField 用整段新值覆盖字段，内部按公共前后缀算出最小编辑
func (r *Replica) SetField(fieldID, value string, origin Origin) ([]byte, error) {
	r.mu.Lock()
	current := ""
	if seq := r.fields[fieldID]; seq != nil {
		current = seq.text()
	}
	ops, err := r.localEditLocked(fieldID, delta.Diff(current, value))
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.finishLocal(ops, origin)
}

func (r *Replica) finishLocal(ops []Op, origin Origin) ([]byte, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(update{Ops: ops})
	if err != nil {
		return nil, err
	}
	r.emit(UpdateEvent{DocumentID: r.docID, Update: b, Origin: origin, Ops: len(ops)})
	return b, nil
}

func (r *Replica) localEditLocked(fieldID string, d delta.Delta) ([]Op, error) {
	seq := r.fields[fieldID]
	length := 0
	if seq != nil {
		length = seq.visibleLen()
	}
	if err := d.Validate(length); err != nil {
		return nil, errs.InvalidEdit("applyLocalEdit", r.docID, err)
	}

	var ops []Op
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			for _, ch := range op.Text {
				if seq == nil {
					// 只有真正插入字符时才创建字段，空编辑不能让字段凭空出现
					seq = newSequence()
					r.fields[fieldID] = seq
				}
				var origin *ID
				if pos > 0 {
					left := seq.visibleAt(pos - 1)
					oid := left.id
					origin = &oid
				}
				r.clock++
				id := ID{Site: r.site, Clock: r.clock}
				seq.integrate(id, origin, ch)
				ops = append(ops, Op{Field: fieldID, Kind: OpInsert, ID: id, Origin: origin, Value: string(ch)})
				pos++
			}
		case delta.KindDelete:
			for k := 0; k < op.Count; k++ {
				it := seq.visibleAt(pos)
				it.deleted = true
				ops = append(ops, Op{Field: fieldID, Kind: OpDelete, ID: it.id})
			}
		}
	}
	return ops, nil
}

// ApplyRemoteDelta 合并远端更新，幂等：已经见过的 op 不产生任何可见变化。
// 返回本次新生效的 op 数量。
func (r *Replica) ApplyRemoteDelta(payload []byte, origin Origin) (int, error) {
	var u update
	if err := json.Unmarshal(payload, &u); err != nil {
		return 0, errs.Decode("applyRemoteDelta", r.docID, err)
	}
	if err := validateOps(u.Ops); err != nil {
		return 0, errs.Decode("applyRemoteDelta", r.docID, err)
	}

	r.mu.Lock()
	n := r.applyOpsLocked(u.Ops)
	r.mu.Unlock()

	if n > 0 {
		r.emit(UpdateEvent{DocumentID: r.docID, Update: payload, Origin: origin, Ops: n})
	}
	return n, nil
}

func validateOps(ops []Op) error {
	for i, op := range ops {
		switch op.Kind {
		case OpInsert:
			if utf8.RuneCountInString(op.Value) != 1 {
				return fmt.Errorf("op %d: insert carries %q, want exactly one rune", i, op.Value)
			}
		case OpDelete:
		default:
			return fmt.Errorf("op %d: unknown kind %d", i, op.Kind)
		}
		if op.ID.Site == "" {
			return fmt.Errorf("op %d: missing site", i)
		}
	}
	return nil
}

func (r *Replica) applyOpsLocked(ops []Op) int {
	n := 0
	for _, op := range ops {
		applied, ready := r.applyOneLocked(op)
		if !ready {
			r.addPendingLocked(op)
			continue
		}
		if applied {
			n++
		}
	}
	if n > 0 && len(r.pending) > 0 {
		n += r.drainPendingLocked()
	}
	return n
}

func (r *Replica) applyOneLocked(op Op) (applied, ready bool) {
	seq := r.fields[op.Field]
	switch op.Kind {
	case OpInsert:
		if seq == nil {
			if op.Origin != nil {
				return false, false
			}
			seq = newSequence()
			r.fields[op.Field] = seq
		}
		value, _ := utf8.DecodeRuneInString(op.Value)
		applied, ready = seq.integrate(op.ID, op.Origin, value)
		if applied && op.ID.Clock > r.clock {
			r.clock = op.ID.Clock
		}
		return applied, ready
	case OpDelete:
		if seq == nil {
			return false, false
		}
		return seq.remove(op.ID)
	}
	return false, true
}

func (r *Replica) addPendingLocked(op Op) {
	key := op
	if op.Origin != nil {
		// map key 不能比较指针指向的内容，这里把 origin 展开
		o := *op.Origin
		key.Origin = nil
		key.Value = op.Value + "\x00" + o.Site + "\x00" + fmt.Sprint(o.Clock)
	}
	if _, ok := r.pendingKeys[key]; ok {
		return
	}
	r.pendingKeys[key] = struct{}{}
	r.pending = append(r.pending, op)
}

func (r *Replica) drainPendingLocked() int {
	n := 0
	for {
		progress := false
		rest := r.pending[:0]
		for _, op := range r.pending {
			applied, ready := r.applyOneLocked(op)
			if !ready {
				rest = append(rest, op)
				continue
			}
			progress = true
			if applied {
				n++
			}
		}
		r.pending = rest
		if !progress {
			break
		}
	}
	if len(r.pending) == 0 {
		r.pendingKeys = make(map[Op]struct{})
	}
	return n
}

// PendingCount 挂起中的 op 数量（依赖尚未到达）
func (r *Replica) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Materialize 确定性投影：同一组已生效 op 无论到达顺序如何，结果一致
func (r *Replica) Materialize() Content {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := Content{Fields: make(map[string]string, len(r.fields))}
	for name, seq := range r.fields {
		c.Fields[name] = seq.text()
	}
	return c
}

func (r *Replica) Text(fieldID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq := r.fields[fieldID]; seq != nil {
		return seq.text()
	}
	return ""
}
