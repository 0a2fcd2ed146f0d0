// Package buffer 纯文本缓冲区。不走 CRDT 的内容（单人编辑的笔记、导入的草稿）用它承载，
// 同样可以挂到版本历史上。
package buffer

import (
	"strings"

	"docsync/backend/internal/delta"
)

// Buffer 抽象文档内容缓冲区
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
结构示例

初始内容 "Hello world"：original = "Hello world"，add 为空
pieces: [ (orig, 0, 11) ]

在位置 5 插入 " collaborative"：add 末尾追加，pieces 从一条拆成三条
[
  (orig, 0, 5),   // "Hello"
  (add,  0, 14),  // " collaborative"
  (orig, 5, 6),   // " world"
]
*/

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		src := pt.original
		if p.buf == bufAdd {
			src = pt.add
		}
		for _, r := range src[p.offset : p.offset+p.length] {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Apply 先整体校验，越界的 delta 不会改动任何内容
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := d.Validate(pt.Len()); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, []rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	if len(text) == 0 {
		return 0
	}
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	np := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return len(text)
	}
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	// 只拆目标 piece，其余原样拷贝
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if left.length > 0 {
		out = append(out, left)
	}
	out = append(out, np)
	if right.length > 0 {
		out = append(out, right)
	}
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := cur.length - offset
		if take > remain {
			take = remain
		}
		leftLen := offset
		rightLen := cur.length - offset - take

		out := make([]piece, 0, len(pt.pieces)+1)
		out = append(out, pt.pieces[:idx]...)
		if leftLen > 0 {
			out = append(out, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
		}
		if rightLen > 0 {
			out = append(out, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
		}
		out = append(out, pt.pieces[idx+1:]...)
		pt.pieces = out

		remain -= take
		// 左半段保留时下一段从 idx+1 开始
		if leftLen > 0 {
			idx++
		}
		offset = 0
	}
}

// locate 根据逻辑位置 pos 找到 piece 下标和片内偏移
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
