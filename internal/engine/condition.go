package engine

import (
	"context"

	"github.com/orkestr/orkestr/internal/rules"
	"github.com/orkestr/orkestr/pkg/schema"
)

// ConditionExecutor evaluates a condition step against the event payload.
// A true result advances in list order; a false result routes to the onFalse
// key, or straight to the end step when none is configured.
type ConditionExecutor struct {
	registry *rules.Registry
}

// NewConditionExecutor creates a condition executor over the rule engines.
func NewConditionExecutor(registry *rules.Registry) *ConditionExecutor {
	return &ConditionExecutor{registry: registry}
}

func (e *ConditionExecutor) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	var cfg schema.ConditionConfig
	if err := schema.DecodeConfig(sc.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Rule == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "condition step has no rule").WithStep(sc.StepKey)
	}

	matched, err := e.evaluate(ctx, &cfg, sc.Input)
	if err != nil {
		return nil, err
	}

	res := &StepResult{Output: map[string]any{"matched": matched}}
	if !matched {
		if cfg.OnFalse != "" {
			res.NextStepKey = cfg.OnFalse
		} else {
			res.NextStepKey = schema.EndOverrideKey
		}
	}
	return res, nil
}

func (e *ConditionExecutor) evaluate(ctx context.Context, cfg *schema.ConditionConfig, input map[string]any) (bool, error) {
	switch rule := cfg.Rule.(type) {
	case string:
		return e.registry.EvaluateBool(ctx, cfg.Language, rule, input)
	default:
		parsed, err := rules.ParseRule(rule)
		if err != nil {
			return false, err
		}
		return rules.EvaluateRule(parsed, input), nil
	}
}
