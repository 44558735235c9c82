package rules

import (
	"context"
	"fmt"

	"github.com/orkestr/orkestr/pkg/schema"
)

// Engine evaluates string rule expressions against an event payload.
// Three implementations: Expr (default), CEL, and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry holds the available rule engines keyed by language name.
type Registry struct {
	engines map[string]Engine
	def     Engine
}

// NewRegistry builds a registry with the expr, cel, and jq engines.
// Expr is the default language when a condition does not name one.
func NewRegistry() (*Registry, error) {
	exprEng := NewExprEngine()
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create cel engine: %w", err)
	}
	jqEng := NewGoJQEngine()

	return &Registry{
		engines: map[string]Engine{
			exprEng.Name(): exprEng,
			celEng.Name():  celEng,
			jqEng.Name():   jqEng,
		},
		def: exprEng,
	}, nil
}

// Engine returns the engine for the given language, or the default for "".
// An unknown language is a config error.
func (r *Registry) Engine(language string) (Engine, error) {
	if language == "" {
		return r.def, nil
	}
	eng, ok := r.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"unknown rule language %q (expr, cel, jq)", language)
	}
	return eng, nil
}

// EvaluateBool evaluates a string rule and coerces the result to a boolean.
// A non-boolean result is a config error: conditions must be predicates.
func (r *Registry) EvaluateBool(ctx context.Context, language, expression string, data map[string]any) (bool, error) {
	eng, err := r.Engine(language)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfig,
			"rule %q returned %T, want bool", expression, out)
	}
	return b, nil
}
