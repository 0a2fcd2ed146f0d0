package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/errs"
	"docsync/backend/internal/presence"
	"docsync/backend/internal/sem"
)

const (
	submitTimeout  = 200 * time.Millisecond
	requestTimeout = 10 * time.Second
	releaseTimeout = 30 * time.Second
	sendQueueSize  = 64
)

var errNotJoined = errors.New("join a document first")

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	registry *collab.Registry
	// 限制同时处理的编辑提交
	sem         *sem.Semaphore
	user        presence.User
	presenceTTL time.Duration
	logger      log.Interface

	docID   string
	session *collab.Session

	sendMu sync.Mutex
	closed bool
	send   chan ServerMessage
}

func NewConn(ws *websocket.Conn, m *Manager, user presence.User) *Conn {
	return &Conn{
		ws:          ws,
		hub:         m.hub,
		registry:    m.registry,
		sem:         m.sem,
		user:        user,
		presenceTTL: m.presenceTTL,
		logger:      m.logger.WithField("user", user.ID),
		send:        make(chan ServerMessage, sendQueueSize),
	}
}

// SendMessage_Enqueue 非阻塞入队，队列满了直接丢弃（客户端会在下一次内容推送时追上）
func (c *Conn) SendMessage_Enqueue(msg ServerMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.logger.WithField("type", msg.Type).Warn("send queue full, message dropped")
	}
}

func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.closeSend()
	defer c.leave()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Debug("read json failed")
			}
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	if msg.Type == TypeJoinDocument {
		c.join(ctx, msg)
		return
	}
	if msg.Type == TypeLeaveDocument {
		docID := c.docID
		c.leave()
		c.SendMessage_Enqueue(ServerMessage{Type: TypeLeft, RequestID: msg.RequestID, DocID: docID})
		return
	}
	s := c.session
	if s == nil {
		c.SendMessage_Enqueue(errorMessage(msg, "NOT_JOINED", errNotJoined))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch msg.Type {
	case TypeHeartbeat:
		s.Heartbeat()
		if c.hub.index != nil {
			if err := c.hub.index.Touch(reqCtx, c.docID, c.user, c.presenceTTL); err != nil {
				c.logger.WithError(err).Warn("touch presence index failed")
			}
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypePresence, RequestID: msg.RequestID, DocID: c.docID, Members: s.Presence()})

	case TypeEdit, TypeSetField:
		c.handleEdit(ctx, s, msg)

	case TypeCursor:
		s.SetCursor(c.user.ID, msg.Cursor)
		if c.hub.index != nil && msg.Cursor != nil {
			if err := c.hub.index.SetCursor(reqCtx, c.docID, c.user.ID, *msg.Cursor, c.presenceTTL); err != nil {
				c.logger.WithError(err).Warn("save cursor failed")
			}
		}

	case TypeSaveVersion:
		rec, err := s.SaveVersion(reqCtx, c.user, msg.Note)
		if err != nil {
			c.SendMessage_Enqueue(errorMessage(msg, "SAVE_VERSION_FAILED", err))
			return
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypeVersion, RequestID: msg.RequestID, DocID: c.docID, Version: &rec})

	case TypeRestoreVersion:
		backup, restored, err := s.RestoreVersion(reqCtx, c.user, msg.Version)
		if err != nil {
			code := "RESTORE_FAILED"
			if errs.IsNotFound(err) {
				code = "VERSION_NOT_FOUND"
			}
			c.SendMessage_Enqueue(errorMessage(msg, code, err))
			return
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypeVersion, RequestID: msg.RequestID, DocID: c.docID, Version: &restored, Backup: &backup})

	case TypeListVersions:
		list, err := s.Versions(reqCtx)
		if err != nil {
			c.SendMessage_Enqueue(errorMessage(msg, "LIST_VERSIONS_FAILED", err))
			return
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypeVersions, RequestID: msg.RequestID, DocID: c.docID, Versions: list})

	case TypeCreateSnapshot:
		snap, err := s.CreateSnapshot(reqCtx, msg.Description, c.user.ID)
		if err != nil {
			c.SendMessage_Enqueue(errorMessage(msg, "SNAPSHOT_FAILED", err))
			return
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypeSnapshot, RequestID: msg.RequestID, DocID: c.docID, Snapshot: &snap})

	case TypeFlush:
		if err := s.Flush(reqCtx); err != nil {
			c.SendMessage_Enqueue(errorMessage(msg, "FLUSH_FAILED", err))
			return
		}
		c.ack(msg)

	case TypeStatus:
		st := s.Status()
		c.SendMessage_Enqueue(ServerMessage{Type: TypeAck, RequestID: msg.RequestID, DocID: c.docID, Status: &st})

	default:
		c.SendMessage_Enqueue(ServerMessage{Type: TypeIgnored, RequestID: msg.RequestID, Message: "unknown message type " + msg.Type})
	}
}

func (c *Conn) handleEdit(ctx context.Context, s *collab.Session, msg ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		c.SendMessage_Enqueue(errorMessage(msg, "BUSY", err))
		return
	}
	defer c.sem.Release()

	var err error
	if msg.Type == TypeEdit {
		err = s.Edit(c.user, msg.Field, msg.Ops)
	} else {
		err = s.SetField(c.user, msg.Field, msg.Value)
	}
	if err != nil {
		code := "EDIT_FAILED"
		if errs.IsKind(err, errs.KindInvalidEdit) {
			code = "INVALID_EDIT"
		}
		c.SendMessage_Enqueue(errorMessage(msg, code, err))
		return
	}
	c.ack(msg)
}

func (c *Conn) ack(msg ClientMessage) {
	c.SendMessage_Enqueue(ServerMessage{Type: TypeAck, RequestID: msg.RequestID, DocID: c.docID})
}

func (c *Conn) join(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" {
		c.SendMessage_Enqueue(errorMessage(msg, "MISSING_DOC_ID", errors.New("docId is required")))
		return
	}
	if c.docID == msg.DocID {
		c.sendJoined(msg)
		return
	}
	// 切换文档：先离开旧房间
	c.leave()

	s, err := c.registry.Acquire(ctx, msg.DocID, c.user)
	if err != nil {
		c.logger.WithError(err).WithField("document", msg.DocID).Error("open document failed")
		c.SendMessage_Enqueue(errorMessage(msg, "JOIN_FAILED", err))
		return
	}
	c.docID = msg.DocID
	c.session = s
	c.hub.Join(msg.DocID, c, s)
	s.Join(c.user)
	if c.hub.index != nil {
		if err := c.hub.index.Touch(ctx, msg.DocID, c.user, c.presenceTTL); err != nil {
			c.logger.WithError(err).Warn("touch presence index failed")
		}
	}
	c.sendJoined(msg)
	c.hub.BroadcastPresence(msg.DocID)
}

func (c *Conn) sendJoined(msg ClientMessage) {
	content := c.session.Materialize()
	st := c.session.Status()
	c.SendMessage_Enqueue(ServerMessage{Type: TypeJoined, RequestID: msg.RequestID, DocID: c.docID, Content: &content, Status: &st})
}

// leave 离开当前文档并释放 Session 引用。请求上下文可能已经取消，这里用独立的超时。
func (c *Conn) leave() {
	if c.session == nil {
		return
	}
	docID, s := c.docID, c.session
	c.docID, c.session = "", nil

	c.hub.Leave(docID, c)
	s.Leave(c.user.ID)
	c.hub.BroadcastPresence(docID)

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if c.hub.index != nil {
		if err := c.hub.index.Remove(ctx, docID, c.user.ID); err != nil {
			c.logger.WithError(err).Warn("remove from presence index failed")
		}
	}
	if err := c.registry.Release(ctx, docID); err != nil {
		c.logger.WithError(err).WithField("document", docID).Error("release document failed")
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的 ServerMessage
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			c.logger.WithError(err).Debug("write json failed")
		}
	}
}
