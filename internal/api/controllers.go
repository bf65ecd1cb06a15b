package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hedging-core/internal/session"
)

const stopTimeout = 30 * time.Second

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) info(c *gin.Context) {
	res := s.manager.Resources()
	c.JSON(http.StatusOK, gin.H{
		"service":     "hedging-core",
		"sessions":    res.Sessions,
		"maxSessions": res.MaxSessions,
		"uptime":      res.Uptime,
		"requests":    s.metrics.requests.Load(),
		"errors":      s.metrics.clientErrors.Load() + s.metrics.serverErrors.Load(),
	})
}

func (s *Server) register(c *gin.Context) {
	var req session.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.manager.Register(req); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"userId": req.UserID, "status": "registered"})
}

func (s *Server) start(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Start(id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": id, "status": "starting"})
}

func (s *Server) stop(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		ClosePositions *bool `json:"closePositions"`
	}
	// Body is optional; absent means the session's close-on-stop default.
	_ = c.ShouldBindJSON(&body)

	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()
	if err := s.manager.Stop(ctx, id, body.ClosePositions); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": id, "status": "stopped"})
}

func (s *Server) closePositions(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.ForceClosePositions(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": id, "status": "positions closed"})
}

func (s *Server) status(c *gin.Context) {
	id := c.Param("id")
	snap, stats, err := s.manager.Status(id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snap, "webhook": stats})
}

func (s *Server) settings(c *gin.Context) {
	id := c.Param("id")
	cfg, err := s.manager.Settings(id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) unregister(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()
	if err := s.manager.Unregister(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": id, "status": "unregistered"})
}

func (s *Server) adminSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.manager.ListAll()})
}

func (s *Server) adminResources(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Resources())
}

func (s *Server) adminClosePositions(c *gin.Context) {
	s.closePositions(c)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrNotStartable):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
