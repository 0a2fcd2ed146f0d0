package replica

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"

	"docsync/backend/internal/errs"
)

// 完整状态编码：4 字节魔数 + zstd(JSON)。存储和快照都直接存二进制，不再转成文本。
var stateMagic = []byte("DSS\x01")

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

var errBadMagic = errors.New("unknown state header")

type itemState struct {
	ID      ID     `json:"id"`
	Origin  *ID    `json:"o,omitempty"`
	Value   string `json:"v"`
	Deleted bool   `json:"d,omitempty"`
}

type fieldState struct {
	Name  string      `json:"name"`
	Items []itemState `json:"items"`
}

type stateDoc struct {
	DocumentID string       `json:"doc"`
	Fields     []fieldState `json:"fields"`
	Pending    []Op         `json:"pending,omitempty"`
}

// EncodeFullState 序列化全部 CRDT 状态（含墓碑和挂起 op），用于持久化和快照
func (r *Replica) EncodeFullState() ([]byte, error) {
	r.mu.Lock()
	doc := stateDoc{DocumentID: r.docID, Fields: make([]fieldState, 0, len(r.fields))}
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		seq := r.fields[name]
		fs := fieldState{Name: name, Items: make([]itemState, 0, len(seq.items))}
		for _, it := range seq.items {
			fs.Items = append(fs.Items, itemState{ID: it.id, Origin: it.origin, Value: string(it.value), Deleted: it.deleted})
		}
		doc.Fields = append(doc.Fields, fs)
	}
	doc.Pending = append(doc.Pending, r.pending...)
	r.mu.Unlock()

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(stateMagic)+len(raw)/2)
	out = append(out, stateMagic...)
	return zstdEncoder.EncodeAll(raw, out), nil
}

// LoadFromEncodedState 把之前编码的状态合并进当前副本。合并满足交换律，当前副本非空也安全。
// 这是状态装载而不是一次更新，不触发监听。返回新生效的 op 数量。
func (r *Replica) LoadFromEncodedState(b []byte) (int, error) {
	ops, err := decodeState(b)
	if err != nil {
		return 0, errs.Decode("loadFromEncodedState", r.docID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyOpsLocked(ops), nil
}

// FromEncodedState 用编码状态构造一个新副本
func FromEncodedState(docID, site string, b []byte) (*Replica, error) {
	r := New(docID, site)
	if _, err := r.LoadFromEncodedState(b); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeState(b []byte) ([]Op, error) {
	if len(b) < len(stateMagic) || !bytes.Equal(b[:len(stateMagic)], stateMagic) {
		return nil, errBadMagic
	}
	raw, err := zstdDecoder.DecodeAll(b[len(stateMagic):], nil)
	if err != nil {
		return nil, fmt.Errorf("decompress state: %w", err)
	}
	var doc stateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	// 序列里每个字符都排在它的 origin 之后，按顺序集成即可满足依赖
	var ops, deletes []Op
	for _, fs := range doc.Fields {
		for _, it := range fs.Items {
			ops = append(ops, Op{Field: fs.Name, Kind: OpInsert, ID: it.ID, Origin: it.Origin, Value: it.Value})
			if it.Deleted {
				deletes = append(deletes, Op{Field: fs.Name, Kind: OpDelete, ID: it.ID})
			}
		}
	}
	ops = append(ops, deletes...)
	ops = append(ops, doc.Pending...)
	if err := validateOps(ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// EmptyState 空副本的编码，冷启动时作为种子写入
func EmptyState(docID string) []byte {
	b, _ := New(docID, "seed").EncodeFullState()
	return b
}
