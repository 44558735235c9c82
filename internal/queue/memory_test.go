package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Job{StepRunID: "sr-1", Attempt: 1, MaxAttempts: 3}))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "sr-1", job.StepRunID)
}

func TestMemoryQueue_Delayed(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.EnqueueDelayed(ctx, &Job{StepRunID: "sr-2", Attempt: 2}, 50*time.Millisecond))

	// not available before the delay expires
	select {
	case <-q.jobs:
		t.Fatal("job delivered before delay")
	case <-time.After(20 * time.Millisecond):
	}

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "sr-2", job.StepRunID)
	assert.Equal(t, 2, job.Attempt)
}

func TestMemoryQueue_DequeueRespectsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
