package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"transcribe-gate/internal/lock"
	"transcribe-gate/internal/orchestrator"
)

// Server exposes read-only job progress, lock state, and metrics over HTTP
// while a heavy job runs. It never mutates anything: control stays with the
// process that owns the lock.
type Server struct {
	registry *orchestrator.Registry
	locks    *lock.Manager
	metrics  *Metrics
	logger   *slog.Logger
	httpSrv  *http.Server
}

// NewServer wires the status server.
func NewServer(port int, registry *orchestrator.Registry, locks *lock.Manager, metrics *Metrics, logger *slog.Logger) *Server {
	s := &Server{
		registry: registry,
		locks:    locks,
		metrics:  metrics,
		logger:   logger,
	}
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.setupRouter(),
	}
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(loggerMiddleware(s.logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "gate-runner",
		})
	})

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.GET("/current", s.getCurrentJob)
			jobs.GET("/:job_id", s.getJob)
		}
		v1.GET("/locks/:class", s.getLock)
	}

	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	return r
}

func (s *Server) getCurrentJob(c *gin.Context) {
	snap, ok := s.registry.Current()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no job registered"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getJob(c *gin.Context) {
	snap, ok := s.registry.Get(c.Param("job_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getLock(c *gin.Context) {
	record, held, err := s.locks.Inspect(c.Param("class"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !held {
		c.JSON(http.StatusOK, gin.H{"held": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"held": true, "record": record})
}

// Start serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info("Status server listening", slog.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// loggerMiddleware logs HTTP requests with slog.
func loggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
