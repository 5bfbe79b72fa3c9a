// Package httpapi exposes the flowd query and session API over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/outcomelabs/flowd/internal/archive"
	"github.com/outcomelabs/flowd/internal/session"
	"github.com/outcomelabs/flowd/internal/store"
	"github.com/outcomelabs/flowd/internal/workflow"
)

// Recaller answers semantic queries over archived transcripts.
// Satisfied by archive.Archiver.
type Recaller interface {
	Recall(ctx context.Context, userID, query string, k int) ([]archive.Match, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the flowd HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	sessions session.Service
	recaller Recaller
	logger   *zap.Logger
	config   Config
}

// NewServer creates the HTTP server. recaller may be nil when archival
// is disabled; the recall endpoint then returns 404.
func NewServer(sessions session.Service, recaller Recaller, logger *zap.Logger, cfg Config) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("session service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		sessions: sessions,
		recaller: recaller,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/query", s.handleQuery)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/abandon", s.handleAbandonSession)
	v1.POST("/admin/cleanup", s.handleCleanup)
	if s.recaller != nil {
		v1.GET("/recall", s.handleRecall)
	}
}

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	Query     string `json:"query"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Options   struct {
		SkipSanitization bool           `json:"skip_sanitization,omitempty"`
		InitialStage     string         `json:"initial_stage,omitempty"`
		InitialContext   map[string]any `json:"initial_context,omitempty"`
	} `json:"options"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CleanupRequest is the body of POST /api/v1/admin/cleanup.
type CleanupRequest struct {
	OlderThan string `json:"older_than"`
}

// CleanupResponse is the body of the cleanup reply.
type CleanupResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id field is required")
	}

	result, err := s.sessions.HandleQuery(c.Request().Context(), session.Request{
		Query:     req.Query,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Options: session.Options{
			SkipSanitization: req.Options.SkipSanitization,
			InitialStage:     workflow.Stage(req.Options.InitialStage),
			InitialContext:   req.Options.InitialContext,
		},
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.sessions.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleListSessions(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id query parameter is required")
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	summaries, err := s.sessions.GetActiveSessions(c.Request().Context(), userID, limit)
	if err != nil {
		return s.mapError(err)
	}
	if summaries == nil {
		summaries = []store.Summary{}
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleAbandonSession(c echo.Context) error {
	if err := s.sessions.AbandonSession(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCleanup(c echo.Context) error {
	var req CleanupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	olderThan := 30 * 24 * time.Hour
	if req.OlderThan != "" {
		parsed, err := time.ParseDuration(req.OlderThan)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid older_than duration")
		}
		olderThan = parsed
	}

	removed, err := s.sessions.CleanupOldSessions(c.Request().Context(), olderThan)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, CleanupResponse{Removed: removed})
}

func (s *Server) handleRecall(c echo.Context) error {
	userID := c.QueryParam("user_id")
	query := c.QueryParam("q")
	if userID == "" || query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and q query parameters are required")
	}
	k := 5
	if raw := c.QueryParam("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid k")
		}
		k = parsed
	}

	matches, err := s.recaller.Recall(c.Request().Context(), userID, query, k)
	if err != nil {
		return s.mapError(err)
	}
	if matches == nil {
		matches = []archive.Match{}
	}
	return c.JSON(http.StatusOK, matches)
}

// mapError translates store and service errors to HTTP status codes.
// Infrastructure failures come back retryable (502) so clients can
// resubmit with the same session id.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "session modified concurrently, retry")
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "upstream failure, retry")
	}
}

// Start begins serving and blocks until Shutdown or failure.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
