// Package handlers 文档状态、版本、快照和在线成员的 REST 接口。
// 只读接口直接查存储；写接口通过 Registry 打开会话，保证和在线编辑走同一个副本。
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/errs"
	"docsync/backend/internal/presence"
	"docsync/backend/internal/replica"
	"docsync/backend/internal/store"
)

const requestTimeout = 10 * time.Second

type DocumentHandler struct {
	store    store.Store
	registry *collab.Registry
	index    *presence.RedisIndex
	strategy collab.Strategy
	logger   log.Interface
}

// NewDocumentHandler index 为 nil 时在线成员只看本节点
func NewDocumentHandler(st store.Store, registry *collab.Registry, index *presence.RedisIndex, logger log.Interface) *DocumentHandler {
	if logger == nil {
		logger = log.WithField("module", "http")
	}
	return &DocumentHandler{
		store:    st,
		registry: registry,
		index:    index,
		strategy: collab.DocumentStrategy,
		logger:   logger,
	}
}

func (h *DocumentHandler) Register(r gin.IRoutes) {
	r.GET("/docs/:docId/state", h.GetState)
	r.GET("/docs/:docId/versions", h.ListVersions)
	r.POST("/docs/:docId/versions", h.SaveVersion)
	r.POST("/docs/:docId/versions/:version/restore", h.RestoreVersion)
	r.GET("/docs/:docId/snapshots", h.ListSnapshots)
	r.POST("/docs/:docId/snapshots", h.CreateSnapshot)
	r.GET("/docs/:docId/snapshots/:id/preview", h.PreviewSnapshot)
	r.GET("/docs/:docId/presence", h.ListPresence)
}

// currentUser 从鉴权中间件写入的上下文取用户
func currentUser(c *gin.Context) (presence.User, bool) {
	v, exists := c.Get("userId")
	if !exists {
		return presence.User{}, false
	}
	uid, ok := v.(uint64)
	if !ok {
		return presence.User{}, false
	}
	return presence.User{ID: strconv.FormatUint(uid, 10), DisplayName: c.GetString("username")}, true
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errs.IsNotFound(err):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errs.IsKind(err, errs.KindInvalidEdit):
		status, code = http.StatusBadRequest, "INVALID_EDIT"
	case errs.IsKind(err, errs.KindVersionConflict):
		status, code = http.StatusConflict, "VERSION_CONFLICT"
	case errs.IsKind(err, errs.KindDecode):
		status, code = http.StatusUnprocessableEntity, "DECODE"
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": msg})
}

// withSession 写操作期间持有会话引用
func (h *DocumentHandler) withSession(c *gin.Context, user presence.User, fn func(ctx context.Context, s *collab.Session) error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	docID := c.Param("docId")
	s, err := h.registry.Acquire(ctx, docID, user)
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() {
		// 请求上下文可能已取消，释放时仍要落库
		rctx, rcancel := context.WithTimeout(context.Background(), requestTimeout)
		defer rcancel()
		if err := h.registry.Release(rctx, docID); err != nil {
			h.logger.WithError(err).WithField("doc", docID).Warn("release session failed")
		}
	}()
	if err := fn(ctx, s); err != nil {
		writeError(c, err)
	}
}

func (h *DocumentHandler) GetState(c *gin.Context) {
	docID := c.Param("docId")
	st, err := h.store.GetLatestState(c.Request.Context(), h.strategy.Kind, docID)
	if err != nil {
		writeError(c, err)
		return
	}
	content := json.RawMessage(st.MaterializedContent)
	if len(content) == 0 {
		content = json.RawMessage(`{"fields":{}}`)
	}
	c.JSON(http.StatusOK, gin.H{
		"documentId": docID,
		"kind":       st.Kind,
		"content":    content,
		"version":    st.Version,
		"updatedAt":  st.UpdatedAt,
	})
}

func (h *DocumentHandler) ListVersions(c *gin.Context) {
	versions, err := h.store.ListVersions(c.Request.Context(), c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if versions == nil {
		versions = []store.VersionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

type saveVersionRequest struct {
	Note string `json:"note"`
}

func (h *DocumentHandler) SaveVersion(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return
	}
	var req saveVersionRequest
	// 允许空 body
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	h.withSession(c, user, func(ctx context.Context, s *collab.Session) error {
		rec, err := s.SaveVersion(ctx, user, req.Note)
		if err != nil {
			return err
		}
		c.JSON(http.StatusCreated, rec)
		return nil
	})
}

func (h *DocumentHandler) RestoreVersion(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return
	}
	number, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || number <= 0 {
		badRequest(c, "invalid version number")
		return
	}
	h.withSession(c, user, func(ctx context.Context, s *collab.Session) error {
		backup, restored, err := s.RestoreVersion(ctx, user, number)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, gin.H{"backup": backup, "restored": restored})
		return nil
	})
}

func (h *DocumentHandler) ListSnapshots(c *gin.Context) {
	snaps, err := h.store.ListSnapshots(c.Request.Context(), c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if snaps == nil {
		snaps = []store.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

type createSnapshotRequest struct {
	Description string `json:"description"`
}

func (h *DocumentHandler) CreateSnapshot(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return
	}
	var req createSnapshotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.Description == "" {
		req.Description = "manual snapshot"
	}
	h.withSession(c, user, func(ctx context.Context, s *collab.Session) error {
		snap, err := s.CreateSnapshot(ctx, req.Description, user.ID)
		if err != nil {
			return err
		}
		c.JSON(http.StatusCreated, snap)
		return nil
	})
}

// PreviewSnapshot 解码快照得到内容，不碰在线副本
func (h *DocumentHandler) PreviewSnapshot(c *gin.Context) {
	docID := c.Param("docId")
	snap, err := h.store.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if snap.DocumentID != docID {
		writeError(c, errs.NotFound("previewSnapshot", docID, errs.ErrNotFound))
		return
	}
	r, err := replica.FromEncodedState(docID, "preview", snap.EncodedState)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "content": r.Materialize()})
}

func (h *DocumentHandler) ListPresence(c *gin.Context) {
	docID := c.Param("docId")
	if h.index != nil {
		members, err := h.index.Alive(c.Request.Context(), docID)
		if err != nil {
			writeError(c, err)
			return
		}
		if members == nil {
			members = []presence.Member{}
		}
		c.JSON(http.StatusOK, gin.H{"members": members})
		return
	}
	members := []presence.Member{}
	if s, ok := h.registry.Get(docID); ok {
		for _, e := range s.Presence() {
			members = append(members, presence.Member{UserID: e.UserID, DisplayName: e.DisplayName})
		}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}
