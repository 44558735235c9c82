package engine

import (
	"context"

	"github.com/orkestr/orkestr/pkg/schema"
)

// StepContext is everything an executor may use for one step execution.
// Input is always the original event payload: steps observe the event, they
// do not chain outputs.
type StepContext struct {
	StepRunID string
	RunID     string
	StepKey   string
	StepType  schema.StepType
	Input     map[string]any
	Config    map[string]any
	Attempt   int
}

// StepResult is what an executor hands back on success.
type StepResult struct {
	// Output is persisted on the step run.
	Output map[string]any
	// ProviderRef is the durable idempotency marker of an external side effect.
	ProviderRef string
	// NextStepKey overrides list-order advancement. schema.EndOverrideKey
	// routes straight to the end step.
	NextStepKey string
}

// Executor runs one step type. Implementations must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, sc *StepContext) (*StepResult, error)
}

// Dispatcher maps each step type to its executor. The map is closed: a step
// type without an entry is a config error, never a retry.
type Dispatcher map[schema.StepType]Executor

// Resolve returns the executor for the step type.
func (d Dispatcher) Resolve(t schema.StepType) (Executor, error) {
	exec, ok := d[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "no executor for step type %q", t)
	}
	return exec, nil
}
