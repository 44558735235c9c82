package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineError_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "write failed").
		WithCause(cause).
		WithStep("notify").
		WithDetails(map[string]any{"table": "runs"})

	assert.Contains(t, err.Error(), "STORE_ERROR")
	assert.Contains(t, err.Error(), "write failed")
	assert.True(t, errors.Is(err, cause))

	var engErr *EngineError
	require.True(t, errors.As(error(err), &engErr))
	assert.Equal(t, "notify", engErr.StepKey)
	assert.Equal(t, "runs", engErr.Details["table"])
}

func TestEngineError_Retryability(t *testing.T) {
	retryable := []string{ErrCodeExecution, ErrCodeTimeout, ErrCodeStore, ErrCodeQueue, ErrCodeAIParse, ErrCodeAISchema}
	for _, code := range retryable {
		assert.True(t, NewError(code, "x").IsRetryable(), code)
	}

	permanent := []string{
		ErrCodeValidation, ErrCodeConfig, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeProviderUnavailable, ErrCodeRetryExhausted,
	}
	for _, code := range permanent {
		assert.False(t, NewError(code, "x").IsRetryable(), code)
	}
}
