package ws

import (
	"sync"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/presence"
)

type room struct {
	conns   map[*Conn]struct{}
	session *collab.Session
	cancels []func()
}

// Hub 本节点上每个文档的连接集合。房间第一次有人加入时挂上 Session 的内容和在线状态回调，最后一个人离开时摘掉。
type Hub struct {
	// 可选：跨节点在线索引
	index *presence.RedisIndex

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewHub(index *presence.RedisIndex) *Hub {
	return &Hub{index: index, rooms: make(map[string]*room)}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn, s *collab.Session) {
	h.mu.Lock()
	r := h.rooms[docID]
	if r == nil {
		// 一个用户可以开多个标签页，房间里按连接存而不是按 userId
		r = &room{conns: make(map[*Conn]struct{}), session: s}
		r.cancels = append(r.cancels,
			s.OnChange(func(ch collab.ContentChange) {
				content := ch.Content
				h.Broadcast(docID, ServerMessage{Type: TypeContent, DocID: docID, Origin: ch.Origin.String(), Content: &content})
			}),
			s.OnPresenceChange(func([]presence.Entry) { h.BroadcastPresence(docID) }),
		)
		h.rooms[docID] = r
	}
	r.conns[c] = struct{}{}
	h.mu.Unlock()
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	r, ok := h.rooms[docID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(r.conns, c)
	var cancels []func()
	if len(r.conns) == 0 {
		delete(h.rooms, docID)
		cancels = r.cancels
	}
	h.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (h *Hub) Broadcast(docID string, msg ServerMessage) {
	h.mu.RLock()
	r := h.rooms[docID]
	var conns []*Conn
	if r != nil {
		conns = make([]*Conn, 0, len(r.conns))
		for c := range r.conns {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

// BroadcastPresence 把当前在线列表推给房间内所有连接
func (h *Hub) BroadcastPresence(docID string) {
	h.mu.RLock()
	r := h.rooms[docID]
	h.mu.RUnlock()
	if r == nil {
		return
	}
	h.Broadcast(docID, ServerMessage{Type: TypePresence, DocID: docID, Members: r.session.Presence()})
}

// Rooms 本节点上有连接的文档数
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
