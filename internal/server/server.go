package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/orkestr/orkestr/internal/queue"
	"github.com/orkestr/orkestr/internal/store"
	"github.com/orkestr/orkestr/internal/validation"
	"github.com/orkestr/orkestr/pkg/schema"
)

// Server is the HTTP control plane: tenants, events, workflows, runs, and the
// observability reads. Execution happens in the workers; the server only
// creates records and dispatches the first step.
type Server struct {
	echo      *echo.Echo
	store     store.Store
	queue     queue.Queue
	validator *validation.Validator
	log       *slog.Logger
}

// New creates the server and registers all routes.
func New(st store.Store, q queue.Queue, validator *validation.Validator, log *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler(log)

	s := &Server{echo: e, store: st, queue: q, validator: validator, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/health", s.health)

	v1 := e.Group("/v1")

	v1.POST("/tenants", s.createTenant)
	v1.GET("/tenants", s.listTenants)
	v1.GET("/tenants/:id", s.getTenant)

	v1.POST("/events", s.createEvent)
	v1.GET("/events", s.listEvents)
	v1.GET("/events/:id", s.getEvent)

	v1.POST("/workflows", s.createWorkflow)
	v1.GET("/workflows", s.listWorkflows)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.PUT("/workflows/:id/steps", s.updateWorkflowSteps)
	v1.POST("/workflows/:id/publish", s.publishWorkflow)

	v1.POST("/runs", s.createRun)
	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/failed", s.listFailedRuns)
	v1.GET("/runs/stuck", s.listStuckRuns)
	v1.GET("/runs/:id", s.getRun)
	v1.GET("/runs/:id/logs", s.listRunLogs)

	v1.GET("/audit", s.listAudit)
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) health(c echo.Context) error {
	ctx := c.Request().Context()
	status := http.StatusOK
	body := map[string]any{"status": "ok", "db": "ok", "queue": "ok"}

	if err := s.store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["db"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.queue.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["queue"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, body)
}

// errorHandler maps typed engine errors onto HTTP statuses so handlers can
// just return store and validation errors as-is.
func errorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			_ = c.JSON(httpErr.Code, map[string]any{"error": httpErr.Message})
			return
		}

		var engErr *schema.EngineError
		if errors.As(err, &engErr) {
			_ = c.JSON(statusForCode(engErr.Code), map[string]any{
				"error":   engErr.Message,
				"code":    engErr.Code,
				"details": engErr.Details,
			})
			return
		}

		log.Error("unhandled request error", "error", err, "path", c.Path())
		_ = c.JSON(http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeConfig:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
