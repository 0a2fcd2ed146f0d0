package ws

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/presence"
	"docsync/backend/internal/sem"
)

const DefaultPresenceTTL = 60 * time.Second

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub         *Hub
	registry    *collab.Registry
	sem         *sem.Semaphore
	presenceTTL time.Duration
	logger      log.Interface
}

func NewManager(h *Hub, registry *collab.Registry, s *sem.Semaphore, presenceTTL time.Duration, logger log.Interface) *Manager {
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	if logger == nil {
		logger = log.WithField("module", "ws")
	}
	return &Manager{hub: h, registry: registry, sem: s, presenceTTL: presenceTTL, logger: logger}
}

// WebSocketConnect 鉴权中间件已经写入 userId/username
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := strconv.FormatUint(c.GetUint64("userId"), 10)
	username := c.GetString("username")

	conn, err := m.upgrade(c)
	if err != nil {
		m.logger.WithError(err).WithField("origin", c.Request.Header.Get("Origin")).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m, presence.User{ID: userID, DisplayName: username})

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	done := make(chan struct{})
	go func() {
		defer close(done)
		wsConn.writeLoop()
	}()
	wsConn.SendMessage_Enqueue(ServerMessage{Type: TypeWelcome, Message: "welcome " + username})

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
	<-done
}

func (m *Manager) upgrade(c *gin.Context) (*websocket.Conn, error) {
	return upgrader.Upgrade(c.Writer, c.Request, nil)
}
