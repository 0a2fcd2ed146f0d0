package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"docsync/backend/internal/errs"
)

// DefaultNamespace 文档同步主题前缀，主题格式 doc-sync:{documentId}
const DefaultNamespace = "doc-sync"

func Topic(namespace, docID string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return fmt.Sprintf("%s:%s", namespace, docID)
}

type Kind string

const (
	KindUpdate   Kind = "update"
	KindPresence Kind = "presence"
	KindLeave    Kind = "leave"
)

type Cursor struct {
	Field  string `json:"field"`
	Anchor int    `json:"anchor"`
	Head   int    `json:"head"`
}

// Presence 在线状态的线上格式
type Presence struct {
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
	IsTyping    bool    `json:"isTyping"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

// Message 频道上的消息信封。Sender 是发送方 provider 的 peer id，接收方据此过滤自己发的消息。
type Message struct {
	Kind     Kind      `json:"kind"`
	Sender   string    `json:"sender"`
	Payload  []byte    `json:"payload,omitempty"`
	Presence *Presence `json:"presence,omitempty"`
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, errs.Decode("decodeMessage", "", err)
	}
	switch m.Kind {
	case KindUpdate, KindPresence, KindLeave:
	default:
		return Message{}, errs.Decode("decodeMessage", "", fmt.Errorf("unknown message kind %q", m.Kind))
	}
	return m, nil
}

type State int

const (
	// StateSubscribed 订阅（重新）确认
	StateSubscribed State = iota + 1
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Handler func(Message)

type Subscription interface {
	Close() error
}

// Channel 实时频道：至多一次、可能乱序、可能重复。
// Subscribe 在订阅被确认后才返回；之后的连接状态变化通过 onState 通知（可以为 nil）。
type Channel interface {
	Subscribe(ctx context.Context, topic string, h Handler, onState func(State)) (Subscription, error)
	Publish(ctx context.Context, topic string, m Message) error
}
