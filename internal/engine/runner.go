package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orkestr/orkestr/internal/logging"
	"github.com/orkestr/orkestr/internal/queue"
	"github.com/orkestr/orkestr/internal/store"
	"github.com/orkestr/orkestr/pkg/schema"
)

// Runner processes step-run deliveries: it loads the full context, guards
// idempotency, executes the step, persists the result, and advances the flow.
// Failures are handled by the consumer through HandleRetry and HandleFailure.
type Runner struct {
	store    store.Store
	queue    queue.Queue
	dispatch Dispatcher
	log      *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(st store.Store, q queue.Queue, dispatch Dispatcher, log *slog.Logger) *Runner {
	return &Runner{store: st, queue: q, dispatch: dispatch, log: log}
}

// Process handles one delivery. Deliveries are at-least-once: a redelivered
// job for an already-completed step advances the flow without re-executing,
// and an action whose provider ref is already persisted is forced to
// completion instead of firing its side effect twice.
func (r *Runner) Process(ctx context.Context, job *queue.Job) error {
	sc, err := r.store.GetStepRunContext(ctx, job.StepRunID)
	if err != nil {
		return err
	}
	ctx = logging.WithRunID(ctx, sc.Run.ID)
	ctx = logging.WithStepRunID(ctx, sc.StepRun.ID)

	if schema.IsTerminalRun(sc.Run.Status) {
		r.log.InfoContext(ctx, "dropping delivery for terminal run", "run_status", sc.Run.Status)
		return nil
	}

	switch {
	case sc.StepRun.Status == schema.StepRunStatusCompleted:
		// Crash after persist, before advance. Finish the advance.
		r.log.InfoContext(ctx, "step already completed, advancing", "step_key", sc.StepRun.StepKey)
		return r.advance(ctx, sc, nextKeyFromOutput(sc.StepRun.Output))
	case sc.StepRun.Status == schema.StepRunStatusFailed:
		r.log.InfoContext(ctx, "dropping delivery for failed step", "step_key", sc.StepRun.StepKey)
		return nil
	}

	if sc.StepRun.StepType == schema.StepTypeAction && sc.StepRun.ProviderRef != "" {
		return r.skipExecuted(ctx, sc)
	}

	if sc.Run.Status == schema.RunStatusPending {
		if err := r.markRunRunning(ctx, sc.Run.ID); err != nil {
			return err
		}
		r.runlog(ctx, sc.Run.ID, "info", "run started", map[string]any{
			"stepKey": sc.StepRun.StepKey,
		})
	}

	if err := r.markStepRunning(ctx, sc.StepRun, job.Attempt); err != nil {
		return err
	}
	r.runlog(ctx, sc.Run.ID, "info", "step started", map[string]any{
		"stepKey": sc.StepRun.StepKey, "attempt": job.Attempt,
	})

	exec, err := r.dispatch.Resolve(sc.StepRun.StepType)
	if err != nil {
		return err
	}

	res, err := exec.Execute(ctx, &StepContext{
		StepRunID: sc.StepRun.ID,
		RunID:     sc.Run.ID,
		StepKey:   sc.StepRun.StepKey,
		StepType:  sc.StepRun.StepType,
		Input:     sc.StepRun.Input,
		Config:    stepConfig(sc),
		Attempt:   job.Attempt,
	})
	if err != nil {
		return err
	}

	if err := r.persistSuccess(ctx, sc.StepRun.ID, res); err != nil {
		return err
	}
	r.runlog(ctx, sc.Run.ID, "info", "step completed", map[string]any{
		"stepKey": sc.StepRun.StepKey, "stepRunId": sc.StepRun.ID,
	})

	if sc.StepRun.StepType == schema.StepTypeEnd {
		return r.finalizeRun(ctx, sc.Run.ID)
	}
	return r.advance(ctx, sc, res.NextStepKey)
}

// skipExecuted is the idempotency short-circuit: the action's side effect
// already happened (the provider ref proves it), so the step is forced to
// completion and the flow advances without re-executing.
func (r *Runner) skipExecuted(ctx context.Context, sc *store.StepRunContext) error {
	r.log.WarnContext(ctx, "action already executed, skipping",
		"step_key", sc.StepRun.StepKey, "provider_ref", sc.StepRun.ProviderRef)
	r.runlog(ctx, sc.Run.ID, "warn", "action redelivered after execution, skipping", map[string]any{
		"stepKey": sc.StepRun.StepKey, "providerRef": sc.StepRun.ProviderRef,
	})

	completed := schema.StepRunStatusCompleted
	now := time.Now().UTC()
	if err := r.store.UpdateStepRun(ctx, sc.StepRun.ID, store.StepRunUpdate{
		Status:     &completed,
		FinishedAt: &now,
	}); err != nil {
		return err
	}
	return r.advance(ctx, sc, "")
}

func (r *Runner) markRunRunning(ctx context.Context, runID string) error {
	running := schema.RunStatusRunning
	now := time.Now().UTC()
	return r.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &running, StartedAt: &now})
}

func (r *Runner) markStepRunning(ctx context.Context, sr *store.StepRun, attempt int) error {
	running := schema.StepRunStatusRunning
	now := time.Now().UTC()
	update := store.StepRunUpdate{Status: &running, StartedAt: &now}
	if attempt > sr.Attempt {
		update.Attempt = &attempt
	}
	return r.store.UpdateStepRun(ctx, sr.ID, update)
}

func (r *Runner) persistSuccess(ctx context.Context, stepRunID string, res *StepResult) error {
	completed := schema.StepRunStatusCompleted
	now := time.Now().UTC()
	output := res.Output
	if output == nil {
		output = map[string]any{}
	}
	if res.NextStepKey != "" {
		output["nextStepKey"] = res.NextStepKey
	}
	return r.store.UpdateStepRun(ctx, stepRunID, store.StepRunUpdate{
		Status:      &completed,
		Output:      output,
		ProviderRef: res.ProviderRef,
		FinishedAt:  &now,
	})
}

// finalizeRun marks the run completed after its end step.
func (r *Runner) finalizeRun(ctx context.Context, runID string) error {
	completed := schema.RunStatusCompleted
	now := time.Now().UTC()
	if err := r.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &completed, FinishedAt: &now}); err != nil {
		return err
	}
	r.runlog(ctx, runID, "info", "run completed", nil)
	r.log.InfoContext(ctx, "run completed")
	return nil
}

// advance determines the next step and dispatches it. The override routes by
// key (__end__ jumps to the end step); otherwise the flow continues in list
// order. A missing next step completes the run with a warning instead of
// leaving it hanging.
func (r *Runner) advance(ctx context.Context, sc *store.StepRunContext, override string) error {
	steps := sc.Workflow.Steps

	var next *schema.StepDefinition
	switch {
	case override == schema.EndOverrideKey:
		next = steps.FindEnd()
	case override != "":
		next = steps.Find(override)
		if next == nil {
			r.runlog(ctx, sc.Run.ID, "warn", "next step key not found, completing run", map[string]any{
				"nextStepKey": override,
			})
		}
	default:
		next = steps.After(sc.StepRun.StepKey)
	}

	if next == nil {
		r.log.WarnContext(ctx, "no next step, forcing run completion",
			"step_key", sc.StepRun.StepKey, "override", override)
		return r.finalizeRun(ctx, sc.Run.ID)
	}

	// A redelivery can reach here after the next step was already created.
	// There is exactly one StepRun per (run, stepKey): re-dispatch the
	// existing record instead of creating a second one.
	existing, err := r.store.FindStepRunByKey(ctx, sc.Run.ID, next.Key)
	if err == nil {
		r.log.InfoContext(ctx, "next step already exists, re-dispatching",
			"step_key", next.Key, "step_run_id", existing.ID)
		return r.queue.Enqueue(ctx, NewJob(existing.ID, next.Type))
	}
	if !isNotFound(err) {
		return err
	}

	// The next step's input is always the original event payload.
	nextRun := &store.StepRun{
		ID:       uuid.New().String(),
		RunID:    sc.Run.ID,
		StepKey:  next.Key,
		StepType: next.Type,
		Status:   schema.StepRunStatusPending,
		Input:    sc.Event.Payload,
	}
	if err := r.store.CreateStepRun(ctx, nextRun); err != nil {
		return err
	}
	if err := r.queue.Enqueue(ctx, NewJob(nextRun.ID, next.Type)); err != nil {
		return err
	}

	r.runlog(ctx, sc.Run.ID, "info", "advanced to next step", map[string]any{
		"stepKey": next.Key, "stepRunId": nextRun.ID,
	})
	return nil
}

// HandleRetry records an intermediate failure: the step goes to RETRYING and
// the failure is narrated in the run log. The consumer re-enqueues the job.
func (r *Runner) HandleRetry(ctx context.Context, job *queue.Job, cause error) {
	sr, err := r.store.GetStepRun(ctx, job.StepRunID)
	if err != nil {
		r.log.ErrorContext(ctx, "load step run for retry failed", "error", err)
		return
	}
	ctx = logging.WithRunID(ctx, sr.RunID)
	ctx = logging.WithStepRunID(ctx, sr.ID)

	retrying := schema.StepRunStatusRetrying
	msg := cause.Error()
	if err := r.store.UpdateStepRun(ctx, sr.ID, store.StepRunUpdate{
		Status: &retrying,
		Error:  &msg,
	}); err != nil {
		r.log.ErrorContext(ctx, "mark step retrying failed", "error", err)
	}

	r.log.WarnContext(ctx, "step failed, will retry",
		"step_key", sr.StepKey, "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "error", msg)
	r.runlog(ctx, sr.RunID, "warn", "step failed, retrying", map[string]any{
		"stepKey": sr.StepKey, "attempt": job.Attempt, "error": msg,
	})
}

// HandleFailure dead-letters a delivery: the step and its run both go to
// FAILED, and the failure is narrated twice in the run log, once for the step
// and once for the run.
func (r *Runner) HandleFailure(ctx context.Context, job *queue.Job, cause error) {
	sr, err := r.store.GetStepRun(ctx, job.StepRunID)
	if err != nil {
		r.log.ErrorContext(ctx, "load step run for failure failed", "error", err)
		return
	}
	ctx = logging.WithRunID(ctx, sr.RunID)
	ctx = logging.WithStepRunID(ctx, sr.ID)

	now := time.Now().UTC()
	msg := cause.Error()

	failedStep := schema.StepRunStatusFailed
	if err := r.store.UpdateStepRun(ctx, sr.ID, store.StepRunUpdate{
		Status:     &failedStep,
		Error:      &msg,
		FinishedAt: &now,
	}); err != nil {
		r.log.ErrorContext(ctx, "mark step failed failed", "error", err)
	}

	failedRun := schema.RunStatusFailed
	runErr := fmt.Sprintf("step %q failed after %d attempt(s): %s", sr.StepKey, job.Attempt, msg)
	if err := r.store.UpdateRun(ctx, sr.RunID, store.RunUpdate{
		Status:     &failedRun,
		Error:      &runErr,
		FinishedAt: &now,
	}); err != nil {
		r.log.ErrorContext(ctx, "mark run failed failed", "error", err)
	}

	r.log.ErrorContext(ctx, "step failed permanently",
		"step_key", sr.StepKey, "attempt", job.Attempt, "error", msg)
	r.runlog(ctx, sr.RunID, "error", "step failed permanently", map[string]any{
		"stepKey": sr.StepKey, "attempt": job.Attempt, "error": msg,
	})
	r.runlog(ctx, sr.RunID, "error", "run failed", map[string]any{
		"stepKey": sr.StepKey, "error": msg,
	})
}

// runlog appends a run-log entry; narration must never break execution.
func (r *Runner) runlog(ctx context.Context, runID, level, message string, extra map[string]any) {
	if err := r.store.AppendRunLog(ctx, &store.RunLog{
		RunID:   runID,
		Level:   level,
		Message: message,
		Context: extra,
	}); err != nil {
		r.log.ErrorContext(ctx, "append run log failed", "error", err)
	}
}

// stepConfig looks up the executing step's config in the workflow definition.
func stepConfig(sc *store.StepRunContext) map[string]any {
	if def := sc.Workflow.Steps.Find(sc.StepRun.StepKey); def != nil {
		return def.Config
	}
	return nil
}

func isNotFound(err error) bool {
	var engErr *schema.EngineError
	return errors.As(err, &engErr) && engErr.Code == schema.ErrCodeNotFound
}

// nextKeyFromOutput recovers a persisted routing override from a completed
// step's output, so a crash between persist and advance resumes correctly.
func nextKeyFromOutput(output map[string]any) string {
	if output == nil {
		return ""
	}
	if key, ok := output["nextStepKey"].(string); ok {
		return key
	}
	return ""
}
