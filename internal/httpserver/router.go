package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"anniversary-notifier/internal/handler"
	"anniversary-notifier/pkg/rbac"
)

// ReadinessCheck 一个依赖的就绪探测，例如 db / redis / mq
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Options 组装路由所需的依赖。Admin/Users 为 nil 时不注册 /admin（worker 进程）
type Options struct {
	JWTSecret string
	Checks    []ReadinessCheck
	Zones     func() []string
	Admin     *handler.AdminHandler
	Users     *handler.UserHandler
	Logger    *zap.Logger
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(opts Options) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), MetricsMiddleware())
	if opts.Logger != nil {
		r.Use(AccessLog(opts.Logger, time.Second))
	}

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", readyHandler(opts.Checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if opts.Zones != nil {
		r.GET("/timezones", func(c *gin.Context) {
			zones := opts.Zones()
			c.JSON(http.StatusOK, gin.H{"count": len(zones), "timezones": zones})
		})
	}

	if opts.Admin == nil && opts.Users == nil {
		return &Router{Engine: r}
	}

	admin := r.Group("/admin")
	admin.Use(AuthMiddleware(opts.JWTSecret))
	if u := opts.Users; u != nil {
		admin.POST("/users", RequirePermission(rbac.PermissionWriteUsers), u.Create)
		admin.GET("/users/:id", RequirePermission(rbac.PermissionReadUsers), u.Get)
		admin.PATCH("/users/:id", RequirePermission(rbac.PermissionWriteUsers), u.Update)
		admin.DELETE("/users/:id", RequirePermission(rbac.PermissionWriteUsers), u.Delete)
	}
	if a := opts.Admin; a != nil {
		admin.GET("/events/upcoming", RequirePermission(rbac.PermissionReadSchedule), a.ListUpcoming)
		admin.POST("/scan", RequirePermission(rbac.PermissionTriggerScan), a.TriggerScan)
		admin.GET("/occurrences/failed", RequirePermission(rbac.PermissionReadDelivery), a.ListFailedOccurrences)
		admin.POST("/occurrences/replay-failed", RequirePermission(rbac.PermissionReplayDelivery), a.ReplayFailedOccurrences)
		admin.GET("/outbox/failed", RequirePermission(rbac.PermissionReadDelivery), a.ListFailedOutbox)
		admin.POST("/outbox/:id/replay", RequirePermission(rbac.PermissionReplayDelivery), a.ReplayOutboxEvent)
	}

	return &Router{Engine: r}
}

func readyHandler(checks []ReadinessCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		failures := gin.H{}
		for _, check := range checks {
			if err := check.Check(ctx); err != nil {
				failures[check.Name] = err.Error()
			}
		}
		if len(failures) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "errors": failures})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// Server 包一层 http.Server，便于优雅退出
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(addr string, r *Router, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r.Engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start 阻塞直到 ctx 取消，然后在 5s 内关闭
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
