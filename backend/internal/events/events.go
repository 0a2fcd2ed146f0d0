// Package events 文档审计事件：版本追加、快照创建、恢复、状态隔离。
// 事件只是通知，不要求强一致，发送失败只记日志。
package events

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	VersionAppended  EventType = "VERSION_APPENDED"
	SnapshotCreated  EventType = "SNAPSHOT_CREATED"
	DocumentRestored EventType = "DOCUMENT_RESTORED"
	StateQuarantined EventType = "STATE_QUARANTINED"
)

type DocEvent struct {
	EventType     EventType `json:"eventType"`
	DocID         string    `json:"docId"`
	Kind          string    `json:"kind,omitempty"`
	ActorID       string    `json:"actorId,omitempty"`
	VersionNumber int64     `json:"versionNumber,omitempty"`
	VersionKind   string    `json:"versionKind,omitempty"`
	SnapshotID    string    `json:"snapshotId,omitempty"`
	RestoredFrom  int64     `json:"restoredFrom,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

type Sink interface {
	Publish(ctx context.Context, evt DocEvent) error
}

// Nop 不发送任何事件，Kafka 未配置时使用
type Nop struct{}

func (Nop) Publish(context.Context, DocEvent) error { return nil }

// Recorder 把事件留在内存里，测试和 inspect 命令使用
type Recorder struct {
	mu     sync.Mutex
	events []DocEvent
}

func (r *Recorder) Publish(_ context.Context, evt DocEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Events() []DocEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DocEvent(nil), r.events...)
}

// OfType 过滤出指定类型的事件
func (r *Recorder) OfType(t EventType) []DocEvent {
	var out []DocEvent
	for _, e := range r.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}
