// Package collab 文档同步：Provider 负责频道收发和持久化，Session 把副本、快照、版本历史、在线状态组合在一起，
// Registry 按文档管理 Session。
package collab

import (
	"time"

	"docsync/backend/internal/channel"
)

// Strategy 不同种类的文档共用同一套 Provider，只在主题前缀和持久化选择上有区别
type Strategy struct {
	Namespace string
	Kind      string
}

var DocumentStrategy = Strategy{Namespace: channel.DefaultNamespace, Kind: "document"}

func (s Strategy) Topic(docID string) string {
	return channel.Topic(s.Namespace, docID)
}

const (
	DefaultPersistDebounce = 5 * time.Second
	DefaultQueueSize       = 1024

	publishTimeout = 5 * time.Second
	flushTimeout   = 30 * time.Second
)

// Status 连接状态
type Status struct {
	Connected    bool      `json:"connected"`
	LastSyncTime time.Time `json:"lastSyncTime"`
}
