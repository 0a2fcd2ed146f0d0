package ws

import (
	"docsync/backend/internal/channel"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/delta"
	"docsync/backend/internal/presence"
	"docsync/backend/internal/replica"
	"docsync/backend/internal/store"
)

// 客户端消息类型
const (
	TypeJoinDocument   = "joinDocument"
	TypeLeaveDocument  = "leaveDocument"
	TypeHeartbeat      = "heartbeat"
	TypeEdit           = "edit"
	TypeSetField       = "setField"
	TypeCursor         = "cursor"
	TypeSaveVersion    = "saveVersion"
	TypeRestoreVersion = "restoreVersion"
	TypeListVersions   = "listVersions"
	TypeCreateSnapshot = "createSnapshot"
	TypeFlush          = "flush"
	TypeStatus         = "status"
)

// 服务端推送类型
const (
	TypeWelcome  = "welcome"
	TypeJoined   = "joined"
	TypeLeft     = "left"
	TypeContent  = "content"
	TypePresence = "presence"
	TypeAck      = "ack"
	TypeVersion  = "version"
	TypeVersions = "versions"
	TypeSnapshot = "snapshot"
	TypeError    = "error"
	TypeIgnored  = "ignored"
)

type ClientMessage struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"requestId,omitempty"`
	DocID       string          `json:"docId,omitempty"`
	Field       string          `json:"field,omitempty"`
	Ops         delta.Delta     `json:"ops,omitempty"`
	Value       string          `json:"value,omitempty"`
	Cursor      *channel.Cursor `json:"cursor,omitempty"`
	Version     int64           `json:"version,omitempty"`
	Note        string          `json:"note,omitempty"`
	Description string          `json:"description,omitempty"`
}

type ServerMessage struct {
	Type      string                `json:"type"`
	RequestID string                `json:"requestId,omitempty"`
	DocID     string                `json:"docId,omitempty"`
	Origin    string                `json:"origin,omitempty"`
	Content   *replica.Content      `json:"content,omitempty"`
	Members   []presence.Entry      `json:"members,omitempty"`
	Status    *collab.Status        `json:"status,omitempty"`
	Version   *store.VersionRecord  `json:"version,omitempty"`
	Backup    *store.VersionRecord  `json:"backup,omitempty"`
	Versions  []store.VersionRecord `json:"versions,omitempty"`
	Snapshot  *store.Snapshot       `json:"snapshot,omitempty"`
	Code      string                `json:"code,omitempty"`
	Message   string                `json:"message,omitempty"`
}

func errorMessage(req ClientMessage, code string, err error) ServerMessage {
	return ServerMessage{Type: TypeError, RequestID: req.RequestID, DocID: req.DocID, Code: code, Message: err.Error()}
}
