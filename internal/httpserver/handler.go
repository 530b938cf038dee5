package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"podnotify/internal/notification"
	"podnotify/internal/session"
	"podnotify/pkg/logger"
	"podnotify/pkg/outbox"
)

type handler struct {
	sessions  *session.Manager
	producer  NotificationWriter
	replayer  OutboxReplayer
	logger    *zap.Logger
	now       func() time.Time
	signedOut *notification.Store
}

func newHandler(d Deps) *handler {
	return &handler{
		sessions: d.Sessions,
		producer: d.Producer,
		replayer: d.Replayer,
		logger:   d.Logger,
		now:      d.Now,
		// 没有会话时使用一个永远未登录的 Store，所有修改都是 no-op
		signedOut: notification.NewStore(nil, nil, d.Logger),
	}
}

// store 返回当前用户的会话 Store；没有会话时返回未登录 Store
func (h *handler) store(c *gin.Context) *notification.Store {
	if s, ok := h.sessions.Get(c.GetString(ctxUserID)); ok {
		return s
	}
	return h.signedOut
}

func (h *handler) panel(c *gin.Context, s *notification.Store) notification.Panel {
	return notification.BuildPanel(s.Snapshot(), h.now())
}

// OpenSession POST /session
func (h *handler) OpenSession(c *gin.Context) {
	s, err := h.sessions.Open(c.Request.Context(), c.GetString(ctxUserID))
	if err != nil {
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "session not ready"})
		return
	}
	snap := s.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"user_id":      snap.UserID,
		"loading":      snap.Loading,
		"unread_count": snap.UnreadCount,
		"indicator":    notification.NewIndicator(snap.UnreadCount),
	})
}

// CloseSession DELETE /session
func (h *handler) CloseSession(c *gin.Context) {
	h.sessions.Close(c.GetString(ctxUserID))
	c.Status(http.StatusNoContent)
}

// Panel GET /notifications
func (h *handler) Panel(c *gin.Context) {
	c.JSON(http.StatusOK, h.panel(c, h.store(c)))
}

// Badge GET /notifications/badge
func (h *handler) Badge(c *gin.Context) {
	c.JSON(http.StatusOK, notification.NewIndicator(h.store(c).UnreadCount()))
}

type addRequest struct {
	Type      notification.Type     `json:"type" binding:"required"`
	Title     string                `json:"title" binding:"required"`
	Message   string                `json:"message" binding:"required"`
	ActionURL string                `json:"action_url"`
	Metadata  notification.Metadata `json:"metadata"`
}

// Add POST /notifications，为自己创建通知（如 "Remind me"），结果经推送回到列表
func (h *handler) Add(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.store(c).Add(c.Request.Context(), notification.Draft{
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		ActionURL: req.ActionURL,
		Metadata:  req.Metadata,
	})
	switch {
	case errors.Is(err, notification.ErrInvalidDraft):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		// 原始错误已经由 Store 记录，不暴露给用户
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification could not be saved"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}

// Refresh POST /notifications/refresh
func (h *handler) Refresh(c *gin.Context) {
	s := h.store(c)
	_ = s.Refresh(c.Request.Context())
	c.JSON(http.StatusOK, h.panel(c, s))
}

// MarkAsRead POST /notifications/:id/read；持久化失败仍返回乐观更新后的视图
func (h *handler) MarkAsRead(c *gin.Context) {
	s := h.store(c)
	_ = s.MarkAsRead(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, h.panel(c, s))
}

// MarkAllAsRead POST /notifications/read-all
func (h *handler) MarkAllAsRead(c *gin.Context) {
	s := h.store(c)
	_ = s.MarkAllAsRead(c.Request.Context())
	c.JSON(http.StatusOK, h.panel(c, s))
}

// Remove DELETE /notifications/:id，只从当前会话的列表中移除
func (h *handler) Remove(c *gin.Context) {
	s := h.store(c)
	s.Remove(c.Param("id"))
	c.JSON(http.StatusOK, h.panel(c, s))
}

type createForUserRequest struct {
	UserID string `json:"user_id" binding:"required"`
	addRequest
}

// CreateForUser POST /admin/notifications
func (h *handler) CreateForUser(c *gin.Context) {
	var req createForUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	n, err := h.producer.Insert(c.Request.Context(), notification.Draft{
		UserID:    req.UserID,
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		ActionURL: req.ActionURL,
		Metadata:  req.Metadata,
	})
	switch {
	case errors.Is(err, notification.ErrInvalidDraft):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to create notification",
			zap.String("target_user_id", req.UserID),
			zap.String("actor_id", c.GetString(ctxUserID)),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification could not be saved"})
	default:
		c.JSON(http.StatusCreated, n)
	}
}

// ReplayOutboxEvent POST /admin/outbox/:id/replay?now=true
// 默认重置为 pending 交给 dispatcher，now=true 时立即发布
func (h *handler) ReplayOutboxEvent(c *gin.Context) {
	if h.replayer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox is not enabled"})
		return
	}

	eventID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return
	}

	if c.Query("now") == "true" {
		err = h.replayer.ReplayEvent(c.Request.Context(), eventID)
	} else {
		err = h.replayer.Requeue(c.Request.Context(), eventID)
	}
	if errors.Is(err, outbox.ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to replay event",
			zap.Int64("event_id", eventID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "replayed",
		"event_id": eventID,
	})
}

// ReplayFailedEvents POST /admin/outbox/replay-failed?limit=100
func (h *handler) ReplayFailedEvents(c *gin.Context) {
	if h.replayer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox is not enabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	successCount, err := h.replayer.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay failed events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"success_count": successCount,
		"limit":         limit,
	})
}
