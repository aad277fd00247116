// Package status serves the read-only HTTP surface: health, Prometheus
// metrics, and JSON views of sessions, quality threads, and convergence
// analysis. No endpoint mutates anything.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gyre/internal/convergence"
	"github.com/fyrsmithlabs/gyre/internal/quality"
	"github.com/fyrsmithlabs/gyre/internal/session"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "127.0.0.1:9464"

// Source is the read-only session view the server renders.
// *session.Manager satisfies it.
type Source interface {
	Sessions() []session.SessionStatistics
	Statistics(agentID string) (session.SessionStatistics, error)
	Actions(agentID string) ([]session.AgentAction, error)
	Analysis() convergence.Analysis
	Quarantined() bool
}

// Config holds status server configuration.
type Config struct {
	Addr string
}

// Server exposes gyre state over HTTP.
type Server struct {
	echo    *echo.Echo
	source  Source
	tracker *quality.Tracker
	logger  *zap.Logger
	config  Config
}

// NewServer creates the status server.
func NewServer(source Source, tracker *quality.Tracker, logger *zap.Logger, cfg *Config) (*Server, error) {
	if source == nil {
		return nil, fmt.Errorf("session source is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("quality tracker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config := Config{Addr: DefaultAddr}
	if cfg != nil && cfg.Addr != "" {
		config.Addr = cfg.Addr
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug("http request",
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
		echo:    e,
		source:  source,
		tracker: tracker,
		logger:  logger,
		config:  config,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/sessions", s.handleSessions)
	v1.GET("/sessions/:agent", s.handleSession)
	v1.GET("/threads", s.handleThreads)
	v1.GET("/analysis", s.handleAnalysis)
}

func (s *Server) handleHealthz(c echo.Context) error {
	quarantined := s.source.Quarantined()
	status := "ok"
	if quarantined {
		status = "quarantined"
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: status, Quarantined: quarantined})
}

func (s *Server) handleSessions(c echo.Context) error {
	sessions := s.source.Sessions()
	return c.JSON(http.StatusOK, SessionsResponse{Count: len(sessions), Sessions: sessions})
}

func (s *Server) handleSession(c echo.Context) error {
	agentID := c.Param("agent")
	stats, err := s.source.Statistics(agentID)
	if err != nil {
		return sessionError(agentID, err)
	}
	actions, err := s.source.Actions(agentID)
	if err != nil {
		return sessionError(agentID, err)
	}
	return c.JSON(http.StatusOK, SessionDetailResponse{Statistics: stats, Actions: actions})
}

func (s *Server) handleThreads(c echo.Context) error {
	var threads []quality.FileThread
	if path := c.QueryParam("path"); path != "" {
		threads = s.tracker.Snapshot(path)
	} else {
		threads = s.tracker.Snapshot()
	}
	return c.JSON(http.StatusOK, ThreadsResponse{
		Count:      len(threads),
		Threads:    threads,
		Statistics: s.tracker.Statistics(),
	})
}

func (s *Server) handleAnalysis(c echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Analysis())
}

func sessionError(agentID string, err error) error {
	if errors.Is(err, session.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no open session for agent %q", agentID))
	}
	return err
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("starting status server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.echo.Shutdown(ctx)
}
