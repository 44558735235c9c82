package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/orkestr/orkestr/internal/queue"
	"github.com/orkestr/orkestr/pkg/schema"
)

const (
	actionMaxAttempts  = 3
	actionBaseDelayMs  = 1000
	defaultMaxAttempts = 1
)

// DispatchPolicy returns the retry parameters to enqueue a step of the given
// type with. Only actions retry: their side effects are guarded by the
// provider-ref idempotency marker, so redelivery is safe. Everything else is
// deterministic or has its own internal repair cycle and runs once.
func DispatchPolicy(t schema.StepType) (maxAttempts, baseDelayMs int) {
	if t == schema.StepTypeAction {
		return actionMaxAttempts, actionBaseDelayMs
	}
	return defaultMaxAttempts, 0
}

// NewJob builds the queue job for a step run under the type's dispatch policy.
func NewJob(stepRunID string, t schema.StepType) *queue.Job {
	maxAttempts, baseDelay := DispatchPolicy(t)
	return &queue.Job{
		StepRunID:          stepRunID,
		Attempt:            1,
		MaxAttempts:        maxAttempts,
		BackoffBaseDelayMs: baseDelay,
	}
}

// ComputeBackoff returns the delay before the given attempt is redelivered:
// exponential on the base delay, so attempt 1 waits base, attempt 2 waits 2x.
func ComputeBackoff(baseDelayMs, attempt int) time.Duration {
	if baseDelayMs <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(baseDelayMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// IsRetryableError classifies whether a step failure should be redelivered.
// Typed engine errors decide by code; network errors and step timeouts are
// retryable; a cancelled context means shutdown and is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The attempt cap bounds the damage.
	return true
}
