package engine

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkestr/orkestr/internal/ai"
	"github.com/orkestr/orkestr/internal/queue"
	"github.com/orkestr/orkestr/internal/rules"
	"github.com/orkestr/orkestr/internal/store"
	"github.com/orkestr/orkestr/pkg/schema"
)

// fakeProvider replays canned replies.
type fakeProvider struct {
	replies []func() (*schema.AIResponse, error)
	calls   int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, req *schema.AIRequest) (*schema.AIResponse, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return f.replies[idx]()
}

type engineFixture struct {
	store  *store.LibSQLStore
	queue  *queue.MemoryQueue
	runner *Runner
	ai     *fakeProvider
}

func newFixture(t *testing.T, webhookURL string) *engineFixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	q := queue.NewMemoryQueue(64)
	t.Cleanup(func() { _ = q.Close() })

	log := slog.Default()
	registry, err := rules.NewRegistry()
	require.NoError(t, err)

	provider := &fakeProvider{}
	dispatch := Dispatcher{
		schema.StepTypeCondition: NewConditionExecutor(registry),
		schema.StepTypeAction:    NewActionExecutor(log),
		schema.StepTypeAITask:    NewAITaskExecutor(ai.NewHandle(provider), 5*time.Second, log),
		schema.StepTypeEnd:       NewEndExecutor(),
	}

	return &engineFixture{
		store:  st,
		queue:  q,
		runner: NewRunner(st, q, dispatch, log),
		ai:     provider,
	}
}

// seedFlow creates a published workflow with the given steps, an event with
// the given payload, and a pending run on the first step. Returns the first
// step's job.
func (f *engineFixture) seedFlow(t *testing.T, steps schema.Steps, payload map[string]any) (*store.Run, *queue.Job) {
	t.Helper()
	ctx := context.Background()

	tenant := &store.Tenant{ID: uuid.New().String(), Name: "t"}
	require.NoError(t, f.store.CreateTenant(ctx, tenant))

	event := &store.Event{
		ID: uuid.New().String(), TenantID: tenant.ID,
		Type: "order.created", Payload: payload,
	}
	require.NoError(t, f.store.CreateEvent(ctx, event))

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID: uuid.New().String(), TenantID: tenant.ID,
		Name: "flow", TriggerType: "order.created",
		Steps: steps, IsActive: true, Version: 1, PublishedAt: &now,
	}
	require.NoError(t, f.store.CreateWorkflow(ctx, wf))

	run := &store.Run{
		ID: uuid.New().String(), WorkflowID: wf.ID, EventID: event.ID,
		Status: schema.RunStatusPending, Context: payload,
	}
	first := &store.StepRun{
		ID: uuid.New().String(), RunID: run.ID,
		StepKey: steps[0].Key, StepType: steps[0].Type,
		Status: schema.StepRunStatusPending, Input: payload,
	}
	require.NoError(t, f.store.CreateRun(ctx, run, first, nil, nil))

	return run, NewJob(first.ID, first.StepType)
}

// drain processes queued jobs until the queue is empty or the limit is hit.
func (f *engineFixture) drain(t *testing.T, limit int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < limit; i++ {
		job, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		if job == nil {
			return
		}
		_ = f.runner.Process(ctx, job)
	}
}

func reviewSteps() schema.Steps {
	return schema.Steps{
		{Key: "check", Type: schema.StepTypeCondition, Config: map[string]any{
			"rule": map[string]any{"field": "amount", "operator": "gt", "value": 100},
		}},
		{Key: "notify", Type: schema.StepTypeAction, Config: map[string]any{
			"type": "log", "description": "notify ops",
		}},
		{Key: "done", Type: schema.StepTypeEnd, Config: map[string]any{}},
	}
}

func TestProcess_FullFlow_ConditionTrue(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	run, job := f.seedFlow(t, reviewSteps(), map[string]any{"amount": 250.0})

	require.NoError(t, f.runner.Process(ctx, job))
	f.drain(t, 10)

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	stepRuns, err := f.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stepRuns, 3)

	byKey := map[string]*store.StepRun{}
	for _, sr := range stepRuns {
		byKey[sr.StepKey] = sr
		assert.Equal(t, schema.StepRunStatusCompleted, sr.Status)
		// every step sees the original event payload
		assert.Equal(t, 250.0, sr.Input["amount"])
	}
	assert.Equal(t, true, byKey["check"].Output["matched"])
	assert.NotEmpty(t, byKey["notify"].ProviderRef)
	assert.Equal(t, true, byKey["done"].Output["done"])

	logs, err := f.store.ListRunLogs(ctx, run.ID)
	require.NoError(t, err)
	messages := map[string]int{}
	for _, l := range logs {
		messages[l.Message]++
	}
	assert.Equal(t, 1, messages["run started"], "transition to RUNNING is narrated once")
	assert.Equal(t, 3, messages["step started"], "every step narrates its start")
	assert.Equal(t, 1, messages["run completed"])
}

func TestProcess_ConditionFalse_SkipsToEnd(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	run, job := f.seedFlow(t, reviewSteps(), map[string]any{"amount": 50.0})

	require.NoError(t, f.runner.Process(ctx, job))
	f.drain(t, 10)

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)

	stepRuns, err := f.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stepRuns, 2)

	keys := []string{stepRuns[0].StepKey, stepRuns[1].StepKey}
	assert.Contains(t, keys, "check")
	assert.Contains(t, keys, "done")
	// the action step is never reached
	assert.NotContains(t, keys, "notify")
}

func TestProcess_ActionRedelivery_SkipsExecution(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	steps := schema.Steps{
		{Key: "call", Type: schema.StepTypeAction, Config: map[string]any{"url": srv.URL}},
		{Key: "done", Type: schema.StepTypeEnd, Config: map[string]any{}},
	}
	run, job := f.seedFlow(t, steps, map[string]any{"amount": 1.0})

	require.NoError(t, f.runner.Process(ctx, job))
	assert.Equal(t, 1, hits)

	sr, err := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, "req-1", sr.ProviderRef)

	// redelivery of the completed step advances without calling out again
	require.NoError(t, f.runner.Process(ctx, job))
	assert.Equal(t, 1, hits)

	f.drain(t, 10)
	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)

	// both advances land on the same "done" row: one step run per step key
	stepRuns, err := f.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stepRuns, 2)
	seen := map[string]int{}
	for _, s := range stepRuns {
		seen[s.StepKey]++
	}
	assert.Equal(t, map[string]int{"call": 1, "done": 1}, seen)
}

func TestProcess_ProviderRefGuard_ForcesCompletion(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	steps := schema.Steps{
		{Key: "call", Type: schema.StepTypeAction, Config: map[string]any{"url": srv.URL}},
		{Key: "done", Type: schema.StepTypeEnd, Config: map[string]any{}},
	}
	_, job := f.seedFlow(t, steps, map[string]any{"amount": 1.0})

	// simulate a crash after the side effect was persisted but before the
	// step was completed
	running := schema.StepRunStatusRunning
	require.NoError(t, f.store.UpdateStepRun(ctx, job.StepRunID, store.StepRunUpdate{
		Status: &running, ProviderRef: "already-done",
	}))

	require.NoError(t, f.runner.Process(ctx, job))
	assert.Equal(t, 0, hits, "side effect must not fire twice")

	sr, err := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunStatusCompleted, sr.Status)
	assert.Equal(t, "already-done", sr.ProviderRef)
}

func TestProcess_WebhookFailure_DeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	steps := schema.Steps{
		{Key: "call", Type: schema.StepTypeAction, Config: map[string]any{"url": srv.URL}},
		{Key: "done", Type: schema.StepTypeEnd, Config: map[string]any{}},
	}
	run, job := f.seedFlow(t, steps, map[string]any{"amount": 500.0})

	err := f.runner.Process(ctx, job)
	require.Error(t, err)
	assert.True(t, IsRetryableError(err))

	// attempts exhausted: dead-letter
	job.Attempt = job.MaxAttempts
	f.runner.HandleFailure(ctx, job, err)

	sr, serr := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, serr)
	assert.Equal(t, schema.StepRunStatusFailed, sr.Status)
	assert.Contains(t, sr.Error, "webhook returned 500")

	got, gerr := f.store.GetRun(ctx, run.ID)
	require.NoError(t, gerr)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, `step "call" failed after 3 attempt(s)`)
	assert.Contains(t, got.Error, "webhook returned 500")

	logs, lerr := f.store.ListRunLogs(ctx, run.ID)
	require.NoError(t, lerr)
	var errorLogs int
	for _, l := range logs {
		if l.Level == "error" {
			errorLogs++
		}
	}
	assert.Equal(t, 2, errorLogs, "step failure and run failure are both narrated")
}

func TestProcess_TerminalRun_DropsDelivery(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	run, job := f.seedFlow(t, reviewSteps(), map[string]any{"amount": 250.0})

	running := schema.RunStatusRunning
	failed := schema.RunStatusFailed
	require.NoError(t, f.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running}))
	require.NoError(t, f.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &failed}))

	require.NoError(t, f.runner.Process(ctx, job))

	sr, err := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunStatusPending, sr.Status, "step untouched on a terminal run")
}

func aiSteps(fallback string) schema.Steps {
	cfg := map[string]any{
		"userPrompt": "classify order {{amount}}",
		"outputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"risk": map[string]any{"type": "string", "enum": []any{"low", "high"}},
			},
			"required": []any{"risk"},
		},
	}
	if fallback != "" {
		cfg["fallback"] = fallback
		cfg["fallbackData"] = map[string]any{"risk": "low"}
	}
	return schema.Steps{
		{Key: "classify", Type: schema.StepTypeAITask, Config: cfg},
		{Key: "done", Type: schema.StepTypeEnd, Config: map[string]any{}},
	}
}

func TestProcess_AITask_Success(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.ai.replies = []func() (*schema.AIResponse, error){
		func() (*schema.AIResponse, error) {
			return &schema.AIResponse{
				Data:    map[string]any{"risk": "high"},
				RawText: `{"risk":"high"}`,
				Meta:    schema.AIResponseMeta{Model: "fake-1", TotalTokens: 12},
			}, nil
		},
	}

	run, job := f.seedFlow(t, aiSteps(""), map[string]any{"amount": 250.0})
	require.NoError(t, f.runner.Process(ctx, job))
	f.drain(t, 10)

	assert.Equal(t, 1, f.ai.calls, "valid output needs no repair call")

	sr, err := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunStatusCompleted, sr.Status)
	assert.Equal(t, true, sr.Output["aiGenerated"])
	assert.Equal(t, "high", sr.Output["risk"])

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
}

func TestProcess_AITask_RepairThenFallback(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	unparsable := func() (*schema.AIResponse, error) {
		return &schema.AIResponse{RawText: "cannot say"}, &ai.ParseError{
			Code:    schema.ErrCodeAIParse,
			Reasons: []string{"reply is not a JSON object"},
			RawText: "cannot say",
		}
	}
	f.ai.replies = []func() (*schema.AIResponse, error){unparsable, unparsable}

	_, job := f.seedFlow(t, aiSteps("default"), map[string]any{"amount": 250.0})
	require.NoError(t, f.runner.Process(ctx, job))

	assert.Equal(t, 2, f.ai.calls, "exactly one repair attempt")

	sr, err := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunStatusCompleted, sr.Status)
	assert.Equal(t, false, sr.Output["aiGenerated"])
	assert.Equal(t, "low", sr.Output["risk"])
	assert.Equal(t, "default", sr.Output["fallback"])
}

func TestProcess_AITask_RepairSucceeds(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.ai.replies = []func() (*schema.AIResponse, error){
		func() (*schema.AIResponse, error) {
			return &schema.AIResponse{Data: map[string]any{"risk": "extreme"}}, nil
		},
		func() (*schema.AIResponse, error) {
			return &schema.AIResponse{Data: map[string]any{"risk": "high"}}, nil
		},
	}

	_, job := f.seedFlow(t, aiSteps(""), map[string]any{"amount": 250.0})
	require.NoError(t, f.runner.Process(ctx, job))

	assert.Equal(t, 2, f.ai.calls)
	sr, err := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, "high", sr.Output["risk"])
	assert.Equal(t, true, sr.Output["aiGenerated"])
}

func TestProcess_AITask_NoStrategy_StillFallsBack(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	unparsable := func() (*schema.AIResponse, error) {
		return &schema.AIResponse{RawText: "??"}, &ai.ParseError{
			Code: schema.ErrCodeAIParse, Reasons: []string{"not json"}, RawText: "??",
		}
	}
	f.ai.replies = []func() (*schema.AIResponse, error){unparsable, unparsable}

	// No fallback key configured: the step still degrades instead of failing.
	run, job := f.seedFlow(t, aiSteps(""), map[string]any{"amount": 250.0})
	require.NoError(t, f.runner.Process(ctx, job))
	f.drain(t, 10)

	sr, err := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunStatusCompleted, sr.Status)
	assert.Equal(t, false, sr.Output["aiGenerated"])
	assert.Equal(t, "default", sr.Output["fallback"])
	assert.Contains(t, sr.Output["fallbackReason"], "validation after repair")

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
}

func TestProcess_AITask_MissingPrompt_FallsBack(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	steps := schema.Steps{
		{Key: "classify", Type: schema.StepTypeAITask, Config: map[string]any{
			"fallback":     "default",
			"fallbackData": map[string]any{"risk": "low"},
		}},
		{Key: "done", Type: schema.StepTypeEnd, Config: map[string]any{}},
	}

	_, job := f.seedFlow(t, steps, map[string]any{"amount": 250.0})
	require.NoError(t, f.runner.Process(ctx, job))

	assert.Equal(t, 0, f.ai.calls, "missing prompt never reaches the provider")

	sr, err := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunStatusCompleted, sr.Status)
	assert.Equal(t, "low", sr.Output["risk"])
	assert.Equal(t, false, sr.Output["aiGenerated"])
	assert.Contains(t, sr.Output["fallbackReason"], "userPrompt")
}

func TestProcess_AITask_TransportError_SkipsRepair(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.ai.replies = []func() (*schema.AIResponse, error){
		func() (*schema.AIResponse, error) {
			return nil, schema.NewError(schema.ErrCodeTimeout, "ai generation timed out")
		},
	}

	_, job := f.seedFlow(t, aiSteps("default"), map[string]any{"amount": 250.0})
	require.NoError(t, f.runner.Process(ctx, job))

	assert.Equal(t, 1, f.ai.calls, "timeouts are not repairable")

	sr, err := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunStatusCompleted, sr.Status)
	assert.Equal(t, "low", sr.Output["risk"])
	assert.Equal(t, false, sr.Output["aiGenerated"])
	assert.Contains(t, sr.Output["fallbackReason"], "timed out")
}

func TestProcess_AITask_DefaultTemplate_MergesInputFields(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.ai.replies = []func() (*schema.AIResponse, error){
		func() (*schema.AIResponse, error) {
			return nil, schema.NewError(schema.ErrCodeExecution, "provider unreachable")
		},
	}

	_, job := f.seedFlow(t, aiSteps("use_default_template"), map[string]any{
		"amount":   250.0,
		"currency": "EUR",
	})
	require.NoError(t, f.runner.Process(ctx, job))

	sr, err := f.store.GetStepRun(ctx, job.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, "low", sr.Output["risk"])
	assert.Equal(t, "use_default_template", sr.Output["fallback"])
	assert.Equal(t, []any{"amount", "currency"}, sr.Output["inputFields"])
}

func TestProcess_OnFalseRouting(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	steps := schema.Steps{
		{Key: "check", Type: schema.StepTypeCondition, Config: map[string]any{
			"rule":    map[string]any{"field": "amount", "operator": "gt", "value": 100},
			"onFalse": "notify",
		}},
		{Key: "skip-me", Type: schema.StepTypeAction, Config: map[string]any{"type": "log"}},
		{Key: "notify", Type: schema.StepTypeAction, Config: map[string]any{"type": "log"}},
		{Key: "done", Type: schema.StepTypeEnd, Config: map[string]any{}},
	}
	run, job := f.seedFlow(t, steps, map[string]any{"amount": 10.0})

	require.NoError(t, f.runner.Process(ctx, job))
	f.drain(t, 10)

	stepRuns, err := f.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	var keys []string
	for _, sr := range stepRuns {
		keys = append(keys, sr.StepKey)
	}
	assert.Contains(t, keys, "notify")
	assert.NotContains(t, keys, "skip-me")
}
