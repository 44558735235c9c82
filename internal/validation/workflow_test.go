package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkestr/orkestr/pkg/schema"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func validSteps() schema.Steps {
	return schema.Steps{
		{Key: "check", Type: schema.StepTypeCondition, Config: map[string]any{
			"rule": map[string]any{"field": "amount", "operator": "gt", "value": 100},
		}},
		{Key: "done", Type: schema.StepTypeEnd},
	}
}

func TestValidateSteps_Valid(t *testing.T) {
	v := newTestValidator(t)
	assert.NoError(t, v.ValidateSteps(validSteps()))
}

func TestValidateSteps_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name  string
		steps schema.Steps
	}{
		{"too few steps", schema.Steps{{Key: "done", Type: schema.StepTypeEnd}}},
		{"unknown step type", schema.Steps{
			{Key: "a", Type: "delay"},
			{Key: "done", Type: schema.StepTypeEnd},
		}},
		{"empty key", schema.Steps{
			{Key: "", Type: schema.StepTypeCondition},
			{Key: "done", Type: schema.StepTypeEnd},
		}},
		{"duplicate keys", schema.Steps{
			{Key: "x", Type: schema.StepTypeAction},
			{Key: "x", Type: schema.StepTypeAction},
			{Key: "done", Type: schema.StepTypeEnd},
		}},
		{"no end step", schema.Steps{
			{Key: "a", Type: schema.StepTypeCondition},
			{Key: "b", Type: schema.StepTypeAction},
		}},
		{"first step is end", schema.Steps{
			{Key: "done", Type: schema.StepTypeEnd},
			{Key: "late", Type: schema.StepTypeAction},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateSteps(tc.steps)
			require.Error(t, err)
			engErr, ok := err.(*schema.EngineError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
		})
	}
}
