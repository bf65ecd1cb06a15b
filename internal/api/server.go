package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"hedging-core/internal/events"
	"hedging-core/internal/session"
	"hedging-core/pkg/config"
)

// Server is the control surface: the platform's session lifecycle API,
// the admin endpoints and the operator event stream.
type Server struct {
	cfg     *config.Config
	manager *session.Manager
	bus     *events.Bus
	metrics apiMetrics
	http    *http.Server
}

func NewServer(cfg *config.Config, manager *session.Manager, bus *events.Bus) *Server {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	s := &Server{cfg: cfg, manager: manager, bus: bus}

	router := gin.New()
	router.Use(requestID(), requestLog(&s.metrics), recovery(), perIPRateLimit(rate.Limit(50), 100))

	router.GET("/health", s.health)
	router.GET("/info", s.info)
	router.GET("/ws", adminAuth(cfg.AdminKey), s.stream)

	v1 := router.Group("/api/v1", requestTimeout(60*time.Second))

	users := v1.Group("/users", hmacAuth(cfg.BotSecret, cfg.AllowInsecure))
	users.POST("", s.register)
	users.POST("/:id/start", s.start)
	users.POST("/:id/stop", s.stop)
	users.POST("/:id/close-positions", s.closePositions)
	users.GET("/:id/status", s.status)
	users.GET("/:id/settings", s.settings)
	users.DELETE("/:id", s.unregister)

	admin := v1.Group("/admin", adminAuth(cfg.AdminKey))
	admin.GET("/sessions", s.adminSessions)
	admin.GET("/resources", s.adminResources)
	admin.POST("/close-positions/:id", s.adminClosePositions)

	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, used by the integration tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
