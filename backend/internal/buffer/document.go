package buffer

import (
	"sync"

	"docsync/backend/internal/delta"
)

// Document 并发安全的纯文本文档，实现版本历史需要的内容源接口
type Document struct {
	mu       sync.Mutex
	pt       *PieceTable
	onChange func()
}

func NewDocument(initial string) *Document {
	return &Document{pt: NewPieceTable(initial)}
}

// OnChange 设置内容变化回调（在锁外调用）
func (d *Document) OnChange(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

func (d *Document) Apply(dl delta.Delta) error {
	d.mu.Lock()
	err := d.pt.Apply(dl)
	fn := d.onChange
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil && len(dl) > 0 {
		fn()
	}
	return nil
}

func (d *Document) Content() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pt.String(), nil
}

// ReplaceContent 整体替换内容，内部算出最小编辑再应用
func (d *Document) ReplaceContent(s string) error {
	d.mu.Lock()
	current := d.pt.String()
	d.mu.Unlock()
	return d.Apply(delta.Diff(current, s))
}
