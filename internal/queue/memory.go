package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue used by tests and single-binary setups.
type MemoryQueue struct {
	jobs chan *Job

	mu     sync.Mutex
	timers []*time.Timer
	closed bool
}

// NewMemoryQueue creates an in-memory queue with the given buffer size.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{jobs: make(chan *Job, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	t := time.AfterFunc(delay, func() {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.jobs <- job:
		default:
		}
	})
	q.timers = append(q.timers, t)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-time.After(dequeueBlock):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack is a no-op: in-process deliveries die with the process anyway.
func (q *MemoryQueue) Ack(ctx context.Context, job *Job) error { return nil }

// Recover is a no-op: nothing survives a restart to recover.
func (q *MemoryQueue) Recover(ctx context.Context) (int, error) { return 0, nil }

func (q *MemoryQueue) Ping(ctx context.Context) error { return nil }

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
