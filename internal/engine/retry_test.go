package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkestr/orkestr/pkg/schema"
)

func TestDispatchPolicy(t *testing.T) {
	maxAttempts, baseDelay := DispatchPolicy(schema.StepTypeAction)
	assert.Equal(t, 3, maxAttempts)
	assert.Equal(t, 1000, baseDelay)

	for _, st := range []schema.StepType{schema.StepTypeCondition, schema.StepTypeAITask, schema.StepTypeEnd} {
		maxAttempts, baseDelay = DispatchPolicy(st)
		assert.Equal(t, 1, maxAttempts, "step type %s", st)
		assert.Equal(t, 0, baseDelay, "step type %s", st)
	}
}

func TestNewJob(t *testing.T) {
	job := NewJob("sr-1", schema.StepTypeAction)
	assert.Equal(t, "sr-1", job.StepRunID)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 1000, job.BackoffBaseDelayMs)
}

func TestComputeBackoff(t *testing.T) {
	assert.Equal(t, 1*time.Second, ComputeBackoff(1000, 1))
	assert.Equal(t, 2*time.Second, ComputeBackoff(1000, 2))
	assert.Equal(t, 4*time.Second, ComputeBackoff(1000, 3))
	assert.Equal(t, time.Duration(0), ComputeBackoff(0, 2))
	assert.Equal(t, 1*time.Second, ComputeBackoff(1000, 0))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.False(t, IsRetryableError(context.Canceled))

	// typed errors decide by code
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeExecution, "boom")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "slow")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeConfig, "bad rule")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeProviderUnavailable, "no key")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeNotFound, "gone")))

	// string heuristics
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryableError(errors.New("503 service unavailable")))
}

func TestWorkerPool_Concurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var active, peak int64
	block := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			_ = pool.Submit(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt64(&active, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				<-block
				atomic.AddInt64(&active, -1)
				return nil
			})
		}()
	}

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	close(block)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(1)

	done := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(done)
		return nil
	}))
	pool.Shutdown()
	<-done

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.Equal(t, ErrPoolShutdown, err)

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Completed)
}
