package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/orkestr/orkestr/internal/store"
	"github.com/orkestr/orkestr/pkg/schema"
)

const defaultListLimit = 50

// --- Tenants ---

type createTenantRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"apiKey,omitempty"`
}

func (s *Server) createTenant(c echo.Context) error {
	var req createTenantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tenant name is required")
	}

	tenant := &store.Tenant{
		ID:     uuid.New().String(),
		Name:   req.Name,
		APIKey: req.APIKey,
	}
	if err := s.store.CreateTenant(c.Request().Context(), tenant); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, tenant)
}

func (s *Server) getTenant(c echo.Context) error {
	tenant, err := s.store.GetTenant(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tenant)
}

func (s *Server) listTenants(c echo.Context) error {
	tenants, err := s.store.ListTenants(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tenants)
}

// --- Events ---

type createEventRequest struct {
	TenantID string         `json:"tenantId"`
	Type     string         `json:"type"`
	Source   string         `json:"source,omitempty"`
	Payload  map[string]any `json:"payload"`
}

func (s *Server) createEvent(c echo.Context) error {
	var req createEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TenantID == "" || req.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "tenantId and type are required")
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetTenant(ctx, req.TenantID); err != nil {
		return err
	}

	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	event := &store.Event{
		ID:       uuid.New().String(),
		TenantID: req.TenantID,
		Type:     req.Type,
		Source:   req.Source,
		Payload:  req.Payload,
	}
	if err := s.store.CreateEvent(ctx, event); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, event)
}

func (s *Server) getEvent(c echo.Context) error {
	event, err := s.store.GetEvent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, event)
}

func (s *Server) listEvents(c echo.Context) error {
	tenantID := c.QueryParam("tenantId")
	if tenantID == "" {
		return schema.NewError(schema.ErrCodeValidation, "tenantId query parameter is required")
	}
	events, err := s.store.ListEvents(c.Request().Context(), tenantID, queryLimit(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

// --- Workflows ---

type createWorkflowRequest struct {
	TenantID    string       `json:"tenantId"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	TriggerType string       `json:"triggerType"`
	Steps       schema.Steps `json:"steps"`
}

func (s *Server) createWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TenantID == "" || req.Name == "" || req.TriggerType == "" {
		return schema.NewError(schema.ErrCodeValidation, "tenantId, name and triggerType are required")
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetTenant(ctx, req.TenantID); err != nil {
		return err
	}

	wf := &store.Workflow{
		ID:          uuid.New().String(),
		TenantID:    req.TenantID,
		Name:        req.Name,
		Description: req.Description,
		TriggerType: req.TriggerType,
		Steps:       req.Steps,
		IsActive:    true,
		Version:     1,
	}
	if wf.Steps == nil {
		wf.Steps = schema.Steps{}
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return err
	}
	s.audit(c, "workflow", wf.ID, "created", map[string]any{"name": wf.Name})
	return c.JSON(http.StatusCreated, wf)
}

func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) listWorkflows(c echo.Context) error {
	filter := store.WorkflowFilter{
		TenantID:      c.QueryParam("tenantId"),
		TriggerType:   c.QueryParam("triggerType"),
		PublishedOnly: c.QueryParam("published") == "true",
		ActiveOnly:    c.QueryParam("active") == "true",
		Limit:         queryLimit(c),
	}
	workflows, err := s.store.ListWorkflows(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflows)
}

type updateStepsRequest struct {
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	Steps       schema.Steps `json:"steps"`
}

func (s *Server) updateWorkflowSteps(c echo.Context) error {
	var req updateStepsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	wf, err := s.store.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	wf.Steps = req.Steps
	if req.Name != "" {
		wf.Name = req.Name
	}
	if req.Description != "" {
		wf.Description = req.Description
	}
	if err := s.store.UpdateWorkflowSteps(ctx, wf.ID, wf); err != nil {
		return err
	}
	s.audit(c, "workflow", wf.ID, "steps_updated", map[string]any{"stepCount": len(wf.Steps)})
	return c.JSON(http.StatusOK, wf)
}

// publishWorkflow validates the step list and freezes the workflow. Publishing
// an already-published workflow is a conflict.
func (s *Server) publishWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	wf, err := s.store.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	if err := s.validator.ValidateSteps(wf.Steps); err != nil {
		return err
	}
	if err := s.store.PublishWorkflow(ctx, wf.ID, time.Now().UTC()); err != nil {
		return err
	}

	s.audit(c, "workflow", wf.ID, "published", map[string]any{"version": wf.Version})
	wf, err = s.store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// --- Audit ---

func (s *Server) listAudit(c echo.Context) error {
	entries, err := s.store.ListAudit(c.Request().Context(), store.AuditFilter{
		Entity:   c.QueryParam("entity"),
		EntityID: c.QueryParam("entityId"),
		Limit:    queryLimit(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

// audit records a control-plane action; failures are logged, never surfaced.
func (s *Server) audit(c echo.Context, entity, entityID, action string, details map[string]any) {
	if err := s.store.AppendAudit(c.Request().Context(), &store.AuditLog{
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Details:  details,
	}); err != nil {
		s.log.Error("append audit failed", "error", err, "entity", entity, "entity_id", entityID)
	}
}

func queryLimit(c echo.Context) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}
