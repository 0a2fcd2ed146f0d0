package delta

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var ErrOutOfRange = errors.New("delta out of range")

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性，同步引擎不解释
}

// Delta 是编辑器提交的一次编辑，按顺序作用于字段的可见文本
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

// BaseLen 返回 delta 需要消费的原文长度（retain + delete）
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindRetain || op.Kind == KindDelete {
			n += op.Count
		}
	}
	return n
}

// Validate 检查 delta 能否作用在长度为 length 的文本上
func (d Delta) Validate(length int) error {
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count < 0 {
				return fmt.Errorf("op %d: negative count %d: %w", i, op.Count, ErrOutOfRange)
			}
		case KindInsert:
		default:
			return fmt.Errorf("op %d: unknown kind %q", i, op.Kind)
		}
	}
	if base := d.BaseLen(); base > length {
		return fmt.Errorf("delta consumes %d runes, text has %d: %w", base, length, ErrOutOfRange)
	}
	return nil
}

// Apply 在纯文本上执行 delta，主要给测试和非 CRDT 内容用
func (d Delta) Apply(text string) (string, error) {
	src := []rune(text)
	if err := d.Validate(len(src)); err != nil {
		return "", err
	}
	out := make([]rune, 0, len(src))
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			out = append(out, src[pos:pos+op.Count]...)
			pos += op.Count
		case KindInsert:
			out = append(out, []rune(op.Text)...)
		case KindDelete:
			pos += op.Count
		}
	}
	out = append(out, src[pos:]...)
	return string(out), nil
}

// Diff 生成把 before 变成 after 的最小 delta：公共前缀 retain，中间 delete + insert。
// 不追求最优编辑距离，整字段覆盖写（broadcastLocalChange）只需要保住两端不变的部分。
func Diff(before, after string) Delta {
	a, b := []rune(before), []rune(after)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	var d Delta
	if prefix > 0 {
		d = append(d, Op{Kind: KindRetain, Count: prefix})
	}
	if del := len(a) - prefix - suffix; del > 0 {
		d = append(d, Op{Kind: KindDelete, Count: del})
	}
	if ins := b[prefix : len(b)-suffix]; len(ins) > 0 {
		d = append(d, Op{Kind: KindInsert, Text: string(ins)})
	}
	return d
}
