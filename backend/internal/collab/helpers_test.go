package collab

import "docsync/backend/internal/delta"

func insertText(pos int, text string) delta.Delta {
	d := delta.Delta{}
	if pos > 0 {
		d = append(d, delta.Op{Kind: delta.KindRetain, Count: pos})
	}
	return append(d, delta.Op{Kind: delta.KindInsert, Text: text})
}
