package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkestr/orkestr/pkg/schema"
)

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{"amount": 250.0, "currency": "EUR"}

	out, err := e.Evaluate(ctx, `amount > 100 && currency == "EUR"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	// undefined variables evaluate to nil instead of failing
	out, err = e.Evaluate(ctx, `missing == nil`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `amount >`, map[string]any{"amount": 1})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConfig, engErr.Code)
}

func TestCELEngine_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `input.amount > 100.0`, map[string]any{"amount": 250.0})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestGoJQEngine_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `.amount > 100`, map[string]any{"amount": 250.0})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	// env access is sandboxed away
	out, err = e.Evaluate(ctx, `env.HOME`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRegistry_EngineSelection(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	eng, err := r.Engine("")
	require.NoError(t, err)
	assert.Equal(t, "expr", eng.Name())

	for _, name := range []string{"expr", "cel", "jq"} {
		eng, err := r.Engine(name)
		require.NoError(t, err)
		assert.Equal(t, name, eng.Name())
	}

	_, err = r.Engine("lua")
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConfig, engErr.Code)
}

func TestRegistry_EvaluateBool(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := r.EvaluateBool(ctx, "", `amount > 100`, map[string]any{"amount": 250.0})
	require.NoError(t, err)
	assert.True(t, ok)

	// a rule producing a non-boolean is a config problem
	_, err = r.EvaluateBool(ctx, "", `amount * 2`, map[string]any{"amount": 250.0})
	require.Error(t, err)
	engErr, ok2 := err.(*schema.EngineError)
	require.True(t, ok2)
	assert.Equal(t, schema.ErrCodeConfig, engErr.Code)
}
