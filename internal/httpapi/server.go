// Package httpapi serves the local control and diagnostics API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"loopsync/internal/store"
	"loopsync/internal/ws"
)

const maxUserLatencyMillis = 10000

// Engine is the sync engine surface exposed over HTTP.
type Engine interface {
	ws.Feed
	Running() bool
	NotifyExplicitSeek()
	SetUserLatencyMillis(ms float64)
}

// EventLog lists recorded sync events.
type EventLog interface {
	RecentEvents(ctx context.Context, limit int) ([]store.EventRow, error)
}

// Options are the optional collaborators of a Server.
type Options struct {
	Events EventLog
	// SaveLatency persists a user latency change; errors are reported to the
	// caller but the engine keeps the new value.
	SaveLatency func(ms float64) error
}

// Server is the Echo application.
type Server struct {
	echo   *echo.Echo
	engine Engine
	opts   Options
}

// New constructs an Echo app with websocket + REST routes.
func New(eng Engine, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, engine: eng, opts: opts}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/diagnostics", s.handleDiagnostics)
	s.echo.PUT("/api/latency", s.handleLatency)
	s.echo.POST("/api/seek", s.handleSeek)
	if s.opts.Events != nil {
		s.echo.GET("/api/events", s.handleEvents)
	}
	ws.NewHandler(s.engine).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Running: s.engine.Running()})
}

func (s *Server) handleDiagnostics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Diagnostics())
}

type latencyRequest struct {
	UserLatencyMillis *float64 `json:"user_latency_ms"`
}

type latencyResponse struct {
	UserLatencyMillis float64 `json:"user_latency_ms"`
	Persisted         bool    `json:"persisted"`
}

func (s *Server) handleLatency(c echo.Context) error {
	var req latencyRequest
	if err := c.Bind(&req); err != nil || req.UserLatencyMillis == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "user_latency_ms is required")
	}
	ms := *req.UserLatencyMillis
	if math.IsNaN(ms) || ms < 0 || ms > maxUserLatencyMillis {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("user_latency_ms must be between 0 and %d", maxUserLatencyMillis))
	}

	s.engine.SetUserLatencyMillis(ms)
	resp := latencyResponse{UserLatencyMillis: ms}
	if s.opts.SaveLatency != nil {
		if err := s.opts.SaveLatency(ms); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist latency: %v", err))
		}
		resp.Persisted = true
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSeek(c echo.Context) error {
	if !s.engine.Running() {
		return echo.NewHTTPError(http.StatusConflict, "sync is not running")
	}
	s.engine.NotifyExplicitSeek()
	return c.JSON(http.StatusAccepted, s.engine.Diagnostics())
}

func (s *Server) handleEvents(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}
	rows, err := s.opts.Events.RecentEvents(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("load events: %v", err))
	}
	if rows == nil {
		rows = []store.EventRow{}
	}
	return c.JSON(http.StatusOK, rows)
}
