package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"podnotify/internal/notification"
	"podnotify/internal/session"
	"podnotify/pkg/otel"
	"podnotify/pkg/rbac"
)

// NotificationWriter 管理接口直接为任意用户写通知
type NotificationWriter interface {
	Insert(ctx context.Context, d notification.Draft) (notification.Notification, error)
}

// OutboxReplayer 由 *outbox.ReplayService 实现
type OutboxReplayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	Requeue(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

// Deps 路由依赖；Replayer 和 Ready 可以为 nil
type Deps struct {
	Sessions  *session.Manager
	Producer  NotificationWriter
	Replayer  OutboxReplayer
	Ready     func(ctx context.Context) error
	JWTSecret string
	Logger    *zap.Logger
	Now       func() time.Time
}

// NewRouter 注册所有路由
func NewRouter(d Deps) *gin.Engine {
	if d.Now == nil {
		d.Now = time.Now
	}

	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), AccessLogMiddleware(d.Logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		if d.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()
			if err := d.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := newHandler(d)

	auth := r.Group("/")
	auth.Use(AuthMiddleware(d.JWTSecret))
	{
		auth.POST("/session", h.OpenSession)
		auth.DELETE("/session", h.CloseSession)

		n := auth.Group("/notifications")
		n.Use(RequirePermission(rbac.PermissionReadNotification))
		n.GET("", h.Panel)
		n.GET("/badge", h.Badge)
		n.GET("/stream", h.Stream)

		w := auth.Group("/notifications")
		w.Use(RequirePermission(rbac.PermissionWriteNotification))
		w.POST("", h.Add)
		w.POST("/refresh", h.Refresh)
		w.POST("/read-all", h.MarkAllAsRead)
		w.POST("/:id/read", h.MarkAsRead)
		w.DELETE("/:id", h.Remove)

		admin := auth.Group("/admin")
		admin.POST("/notifications", RequirePermission(rbac.PermissionCreateAnyNotification), h.CreateForUser)
		admin.POST("/outbox/:id/replay", RequirePermission(rbac.PermissionReplayOutbox), h.ReplayOutboxEvent)
		admin.POST("/outbox/replay-failed", RequirePermission(rbac.PermissionReplayOutbox), h.ReplayFailedEvents)
	}

	return r
}

// Server 包一层 http.Server，支持优雅关闭
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(port string, engine http.Handler, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              port,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start 阻塞直到 Shutdown 被调用
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
