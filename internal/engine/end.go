package engine

import (
	"context"
	"time"
)

// EndExecutor terminates a run. It has no side effects of its own: the runner
// finalizes the run when it sees an end step complete.
type EndExecutor struct{}

// NewEndExecutor creates an end executor.
func NewEndExecutor() *EndExecutor { return &EndExecutor{} }

func (e *EndExecutor) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	return &StepResult{
		Output: map[string]any{
			"done":       true,
			"finishedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}
