package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/orkestr/orkestr/internal/engine"
	"github.com/orkestr/orkestr/internal/store"
	"github.com/orkestr/orkestr/pkg/schema"
)

const (
	dispatchStatusDispatched = "dispatched"
	dispatchStatusFailed     = "dispatch_failed"

	defaultStuckThreshold = 10 * time.Minute
)

type createRunRequest struct {
	WorkflowID string `json:"workflowId"`
	EventID    string `json:"eventId"`
}

// createRun triggers a run: it verifies the workflow is published and active
// and the event belongs to the same tenant, creates the run with its first
// step run atomically, and dispatches the first delivery. A dispatch failure
// fails the run immediately instead of leaving it pending forever.
func (s *Server) createRun(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.WorkflowID == "" || req.EventID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflowId and eventId are required")
	}

	ctx := c.Request().Context()
	wf, err := s.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return err
	}
	if !wf.Published() {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is not published", wf.ID)
	}
	if !wf.IsActive {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is not active", wf.ID)
	}
	event, err := s.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return err
	}
	if event.TenantID != wf.TenantID {
		return schema.NewError(schema.ErrCodeValidation, "event and workflow belong to different tenants")
	}

	run := &store.Run{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		EventID:    event.ID,
		Status:     schema.RunStatusPending,
		Context:    event.Payload,
	}
	first := &store.StepRun{
		ID:       uuid.New().String(),
		RunID:    run.ID,
		StepKey:  wf.Steps[0].Key,
		StepType: wf.Steps[0].Type,
		Status:   schema.StepRunStatusPending,
		Input:    event.Payload,
	}
	logs := []*store.RunLog{{
		RunID: run.ID, Level: "info", Message: "run created",
		Context: map[string]any{"workflowId": wf.ID, "eventId": event.ID},
	}}
	audits := []*store.AuditLog{{
		Entity: "run", EntityID: run.ID, Action: "created",
		Details: map[string]any{"workflowId": wf.ID, "eventId": event.ID},
	}}
	if err := s.store.CreateRun(ctx, run, first, logs, audits); err != nil {
		return err
	}

	if err := s.queue.Enqueue(ctx, engine.NewJob(first.ID, first.StepType)); err != nil {
		s.log.Error("dispatch failed", "error", err, "run_id", run.ID)
		failed := schema.RunStatusFailed
		now := time.Now().UTC()
		msg := "dispatch failed: " + err.Error()
		if uerr := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{
			Status:         &failed,
			DispatchStatus: dispatchStatusFailed,
			Error:          &msg,
			FinishedAt:     &now,
		}); uerr != nil {
			s.log.Error("mark run dispatch-failed failed", "error", uerr, "run_id", run.ID)
		}
		return err
	}

	if err := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		DispatchStatus: dispatchStatusDispatched,
	}); err != nil {
		s.log.Error("record dispatch status failed", "error", err, "run_id", run.ID)
	}
	run.DispatchStatus = dispatchStatusDispatched

	return c.JSON(http.StatusCreated, run)
}

func (s *Server) getRun(c echo.Context) error {
	detail, err := s.store.GetRunDetail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) listRuns(c echo.Context) error {
	filter := store.RunFilter{
		WorkflowID: c.QueryParam("workflowId"),
		EventID:    c.QueryParam("eventId"),
		Limit:      queryLimit(c),
	}
	if raw := c.QueryParam("status"); raw != "" {
		status := schema.RunStatus(raw)
		filter.Status = &status
	}
	runs, err := s.store.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) listFailedRuns(c echo.Context) error {
	failed := schema.RunStatusFailed
	runs, err := s.store.ListRuns(c.Request().Context(), store.RunFilter{
		Status: &failed,
		Limit:  queryLimit(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) listStuckRuns(c echo.Context) error {
	threshold := defaultStuckThreshold
	if raw := c.QueryParam("thresholdMinutes"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			threshold = time.Duration(n) * time.Minute
		}
	}
	stuck, err := s.store.FindStuckStepRuns(c.Request().Context(),
		time.Now().UTC().Add(-threshold), queryLimit(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stuck)
}

func (s *Server) listRunLogs(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.store.GetRun(ctx, c.Param("id")); err != nil {
		return err
	}
	logs, err := s.store.ListRunLogs(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, logs)
}
