// Package api serves health, metrics and the engine operations over HTTP.
package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/fileguard/pkg/audit"
	"github.com/lucid-vigil/fileguard/pkg/engine"
	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
	"github.com/lucid-vigil/fileguard/pkg/events"
	"github.com/lucid-vigil/fileguard/pkg/metrics"
	"github.com/lucid-vigil/fileguard/pkg/monitors/base"
)

// Engine is the part of *engine.Engine the API exposes.
type Engine interface {
	Register(ctx context.Context, path string, suspicious bool) (*engine.RegisterResult, error)
	Predict(ctx context.Context, path string, suspicious bool) (engine.Prediction, error)
	Stats() engine.Stats
}

// AlertSource lists recent alerts.
type AlertSource interface {
	Recent() []events.Event
}

// StatusReporter is implemented by monitors built on base.BaseMonitor.
type StatusReporter interface {
	Status() base.Status
}

const maxAuditLimit = 1000

// Server routes requests to the engine.
type Server struct {
	engine   Engine
	alerts   AlertSource
	monitors []StatusReporter
	audit    audit.Reader
	logger   zerolog.Logger
	router   *gin.Engine
}

// FileRequest is the body of the predict and register endpoints.
type FileRequest struct {
	Path       string `json:"path" binding:"required"`
	Suspicious bool   `json:"suspicious"`
}

// NewServer builds the router. alerts may be nil.
func NewServer(eng Engine, alerts AlertSource, monitors []StatusReporter, logger zerolog.Logger) *Server {
	s := &Server{
		engine:   eng,
		alerts:   alerts,
		monitors: monitors,
		logger:   logger.With().Str("component", "api").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), metrics.Middleware())
	r.GET("/healthz", s.healthz)
	r.GET("/metrics", metrics.Handler())

	v1 := r.Group("/v1")
	{
		v1.GET("/stats", s.stats)
		v1.GET("/alerts", s.recentAlerts)
		v1.GET("/monitors", s.monitorStatus)
		v1.GET("/audit", s.auditEntries)
		v1.POST("/predict", s.predict)
		v1.POST("/register", s.register)
	}
	s.router = r
	return s
}

// WithAudit serves r under /v1/audit.
func (s *Server) WithAudit(r audit.Reader) *Server {
	s.audit = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on :port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Msgf("API server starting on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info().Msg("API server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

func (s *Server) recentAlerts(c *gin.Context) {
	alerts := []events.Event{}
	if s.alerts != nil {
		alerts = append(alerts, s.alerts.Recent()...)
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) monitorStatus(c *gin.Context) {
	out := make([]base.Status, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m.Status())
	}
	c.JSON(http.StatusOK, gin.H{"monitors": out})
}

func (s *Server) auditEntries(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log is not stored"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > maxAuditLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(maxAuditLimit)})
		return
	}
	ctx := c.Request.Context()
	count, err := s.audit.Count(ctx)
	if err != nil {
		s.fail(c, "", err)
		return
	}
	entries, err := s.audit.Recent(ctx, limit)
	if err != nil {
		s.fail(c, "", err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"count": count, "entries": entries})
}

func (s *Server) predict(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"path\": string, \"suspicious\": bool}"})
		return
	}
	p, err := s.engine.Predict(c.Request.Context(), req.Path, req.Suspicious)
	if err != nil {
		s.fail(c, req.Path, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) register(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"path\": string, \"suspicious\": bool}"})
		return
	}
	res, err := s.engine.Register(c.Request.Context(), req.Path, req.Suspicious)
	if err != nil {
		s.fail(c, req.Path, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) fail(c *gin.Context, path string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		status = http.StatusForbidden
	case errors.Is(err, ferrors.ErrFileAccess):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ferrors.ErrModelSchemaMismatch):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", path).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "path": path})
}
