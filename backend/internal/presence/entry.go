// Package presence 临时在线状态：谁在看这个文档、谁正在输入、光标在哪。
// 不持久化，不进入 CRDT，离开或超时即删除。
package presence

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"docsync/backend/internal/channel"
)

type Entry struct {
	DocumentID  string          `json:"documentId"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color"`
	IsTyping    bool            `json:"isTyping"`
	Cursor      *channel.Cursor `json:"cursor,omitempty"`
	LastSeenAt  time.Time       `json:"lastSeenAt"`
}

var palette = []string{
	"#e57373", "#f06292", "#ba68c8", "#7986cb",
	"#4fc3f7", "#4db6ac", "#81c784", "#ffb74d",
	"#a1887f", "#90a4ae",
}

// ColorFor 同一个用户在所有节点上拿到同一种颜色
func ColorFor(userID string) string {
	return palette[xxhash.Sum64String(userID)%uint64(len(palette))]
}

type User struct {
	ID          string
	DisplayName string
}
