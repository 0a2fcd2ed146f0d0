package replica

import "fmt"

// OriginKind 标记一次更新从哪里来。Provider 只回播 Local 和 Restore，Remote 永远不回播，避免回声循环。
type OriginKind int

const (
	OriginLocal OriginKind = iota + 1
	OriginRemote
	OriginRestore
)

func (k OriginKind) String() string {
	switch k {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginRestore:
		return "restore"
	default:
		return fmt.Sprintf("origin(%d)", int(k))
	}
}

type Origin struct {
	Kind OriginKind
	// Remote 时是发送方 peer id
	Peer string
}

func Local() Origin { return Origin{Kind: OriginLocal} }
func Remote(peer string) Origin { return Origin{Kind: OriginRemote, Peer: peer} }
func Restore() Origin { return Origin{Kind: OriginRestore} }
func (o Origin) String() string { return o.Kind.String() }
func (o Origin) IsRemote() bool { return o.Kind == OriginRemote }
func (o Origin) Broadcast() bool { return o.Kind == OriginLocal || o.Kind == OriginRestore }

// UpdateEvent 每次有新 op 生效时发给监听者
type UpdateEvent struct {
	DocumentID string
	Update     []byte
	Origin     Origin
	// 本次新生效的 op 数量，重复投递的 op 不计
	Ops int
}
