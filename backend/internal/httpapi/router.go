// Package httpapi 组装 gin 路由：健康检查、WebSocket 接入和文档 REST 接口。
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"docsync/backend/internal/httpapi/handlers"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/ws"
)

type Deps struct {
	Documents *handlers.DocumentHandler
	WS        *ws.Manager
	JWTSecret []byte
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS 配置
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return true // 开发阶段允许任意来源
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/collab", middleware.AuthMiddleware(d.JWTSecret))
	if d.WS != nil {
		api.GET("/ws", d.WS.WebSocketConnect)
	}
	if d.Documents != nil {
		d.Documents.Register(api)
	}
	return r
}
