package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkestr/orkestr/internal/queue"
	"github.com/orkestr/orkestr/internal/store"
	"github.com/orkestr/orkestr/internal/validation"
)

type apiFixture struct {
	server *Server
	store  *store.LibSQLStore
	queue  *queue.MemoryQueue
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	q := queue.NewMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })

	validator, err := validation.NewValidator()
	require.NoError(t, err)

	return &apiFixture{
		server: New(st, q, validator, slog.Default()),
		store:  st,
		queue:  q,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *apiFixture) seedPublished(t *testing.T) (tenantID, workflowID, eventID string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/tenants", map[string]any{"name": "acme"})
	require.Equal(t, http.StatusCreated, rec.Code)
	tenantID = decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/workflows", map[string]any{
		"tenantId": tenantID, "name": "order-review", "triggerType": "order.created",
		"steps": []map[string]any{
			{"key": "check", "type": "condition", "config": map[string]any{
				"rule": map[string]any{"field": "amount", "operator": "gt", "value": 100},
			}},
			{"key": "done", "type": "end"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	workflowID = decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/workflows/"+workflowID+"/publish", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/events", map[string]any{
		"tenantId": tenantID, "type": "order.created",
		"payload": map[string]any{"amount": 250},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	eventID = decode(t, rec)["id"].(string)
	return
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestCreateTenant_Validation(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/tenants", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTenant_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/tenants/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublishWorkflow_InvalidSteps(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/tenants", map[string]any{"name": "acme"})
	tenantID := decode(t, rec)["id"].(string)

	// a single end step fails the publish invariants
	rec = f.do(t, http.MethodPost, "/v1/workflows", map[string]any{
		"tenantId": tenantID, "name": "broken", "triggerType": "x",
		"steps": []map[string]any{{"key": "done", "type": "end"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	workflowID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/workflows/"+workflowID+"/publish", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishWorkflow_TwiceConflicts(t *testing.T) {
	f := newAPIFixture(t)
	_, workflowID, _ := f.seedPublished(t)

	rec := f.do(t, http.MethodPost, "/v1/workflows/"+workflowID+"/publish", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateSteps_AfterPublishConflicts(t *testing.T) {
	f := newAPIFixture(t)
	_, workflowID, _ := f.seedPublished(t)

	rec := f.do(t, http.MethodPut, "/v1/workflows/"+workflowID+"/steps", map[string]any{
		"steps": []map[string]any{
			{"key": "a", "type": "action"},
			{"key": "done", "type": "end"},
		},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRun_DispatchesFirstStep(t *testing.T) {
	f := newAPIFixture(t)
	_, workflowID, eventID := f.seedPublished(t)

	rec := f.do(t, http.MethodPost, "/v1/runs", map[string]any{
		"workflowId": workflowID, "eventId": eventID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "dispatched", body["dispatchStatus"])

	job, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempt)

	// the dispatched job targets the persisted first step run
	runID := body["id"].(string)
	stepRuns, err := f.store.ListStepRuns(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, stepRuns, 1)
	assert.Equal(t, job.StepRunID, stepRuns[0].ID)
	assert.Equal(t, "check", stepRuns[0].StepKey)

	// run creation is narrated and audited
	logs, err := f.store.ListRunLogs(context.Background(), runID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestCreateRun_UnpublishedWorkflow(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/tenants", map[string]any{"name": "acme"})
	tenantID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/workflows", map[string]any{
		"tenantId": tenantID, "name": "draft", "triggerType": "x",
		"steps": []map[string]any{
			{"key": "a", "type": "action"},
			{"key": "done", "type": "end"},
		},
	})
	workflowID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/events", map[string]any{
		"tenantId": tenantID, "type": "x", "payload": map[string]any{},
	})
	eventID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/runs", map[string]any{
		"workflowId": workflowID, "eventId": eventID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRun_TenantMismatch(t *testing.T) {
	f := newAPIFixture(t)
	_, workflowID, _ := f.seedPublished(t)

	rec := f.do(t, http.MethodPost, "/v1/tenants", map[string]any{"name": "other"})
	otherTenant := decode(t, rec)["id"].(string)
	rec = f.do(t, http.MethodPost, "/v1/events", map[string]any{
		"tenantId": otherTenant, "type": "order.created", "payload": map[string]any{},
	})
	foreignEvent := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/runs", map[string]any{
		"workflowId": workflowID, "eventId": foreignEvent,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunDetail_And_Logs(t *testing.T) {
	f := newAPIFixture(t)
	_, workflowID, eventID := f.seedPublished(t)

	rec := f.do(t, http.MethodPost, "/v1/runs", map[string]any{
		"workflowId": workflowID, "eventId": eventID,
	})
	runID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode(t, rec)
	assert.NotNil(t, detail["run"])
	assert.NotNil(t, detail["stepRuns"])

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/runs/%s/logs", runID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/runs/missing/logs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAudit(t *testing.T) {
	f := newAPIFixture(t)
	_, workflowID, _ := f.seedPublished(t)

	rec := f.do(t, http.MethodGet, "/v1/audit?entity=workflow&entityId="+workflowID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.NotEmpty(t, entries)
}
