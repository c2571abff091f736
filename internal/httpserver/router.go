package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ezreply/pkg/otel"
	"ezreply/pkg/rbac"
	"ezreply/pkg/trace"
)

// Pinger readiness 检查，*pgxpool.Pool 满足
type Pinger interface {
	Ping(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(admin *AdminHandler, jwtSecret string, db Pinger, logger *zap.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), traceMiddleware(), otel.GinMiddleware(), requestLogger(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/admin")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/poll", RequirePermission(rbac.PermissionRunPoll), admin.Poll)
		auth.POST("/dispatch", RequirePermission(rbac.PermissionRunDispatch), admin.Dispatch)

		reminders := auth.Group("/reminders", RequirePermission(rbac.PermissionManageReminders))
		reminders.POST("/sweep", admin.SweepReminders)
		reminders.POST("/:id/snooze", admin.SnoozeReminder)
		reminders.POST("/:id/dismiss", admin.DismissReminder)

		auth.POST("/outbox/:id/replay", RequirePermission(rbac.PermissionReplayOutbox), admin.ReplayOutboxEvent)
	}

	return &Router{Engine: r}
}

// Server 由调用方负责 ListenAndServe / Shutdown
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// traceMiddleware 沿用调用方的 X-Trace-ID，没有则生成
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(trace.HeaderName())
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName(), traceID)
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String(trace.TraceIDKey, trace.FromContext(c.Request.Context())),
		)
	}
}
