package queue

import (
	"context"
	"time"
)

// Job is one step-run delivery. Redelivery after a crash is expected, so
// consumers must treat jobs as at-least-once.
type Job struct {
	StepRunID          string `json:"stepRunId"`
	Attempt            int    `json:"attempt"`
	MaxAttempts        int    `json:"maxAttempts"`
	BackoffBaseDelayMs int    `json:"backoffBaseDelayMs"`
}

// Queue is the step-run dispatch channel between the API and the workers.
// Delivery is at-least-once: a dequeued job stays owned by the worker until
// acknowledged, and unacknowledged deliveries are recovered after a crash.
type Queue interface {
	// Enqueue makes the job available immediately.
	Enqueue(ctx context.Context, job *Job) error
	// EnqueueDelayed holds the job back for the given delay (retry backoff).
	EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error
	// Dequeue blocks up to its internal poll interval and returns the next
	// job, or (nil, nil) when none arrived. Callers loop.
	Dequeue(ctx context.Context) (*Job, error)
	// Ack releases a delivered job once it has been fully handled
	// (successfully, re-enqueued for retry, or dead-lettered).
	Ack(ctx context.Context, job *Job) error
	// Recover re-queues deliveries left unacknowledged by a previous
	// process. Call once at worker startup, before consuming.
	Recover(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
