package engine

import (
	"context"
	"log/slog"

	"github.com/orkestr/orkestr/internal/queue"
)

// Consumer pulls deliveries off the queue and processes them on a bounded
// worker pool. It owns the retry decision: retryable failures within the
// attempt budget go back on the queue with exponential backoff, everything
// else is dead-lettered through the runner.
type Consumer struct {
	queue  queue.Queue
	pool   *WorkerPool
	runner *Runner
	log    *slog.Logger
}

// NewConsumer creates a consumer with the given concurrency.
func NewConsumer(q queue.Queue, runner *Runner, concurrency int, log *slog.Logger) *Consumer {
	return &Consumer{
		queue:  q,
		pool:   NewWorkerPool(concurrency),
		runner: runner,
		log:    log,
	}
}

// Run consumes until the context is cancelled, then drains in-flight work.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.pool.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := c.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("dequeue failed", "error", err)
			continue
		}
		if job == nil {
			continue
		}

		if err := c.pool.Submit(ctx, func(ctx context.Context) error {
			err := c.process(ctx, job)
			// The delivery is handled either way: success, re-enqueued
			// retry, or dead-letter. Release it.
			if ackErr := c.queue.Ack(ctx, job); ackErr != nil {
				c.log.Error("ack failed", "error", ackErr, "step_run_id", job.StepRunID)
			}
			return err
		}); err != nil {
			if err == ErrPoolShutdown || ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("submit job failed", "error", err, "step_run_id", job.StepRunID)
		}
	}
}

func (c *Consumer) process(ctx context.Context, job *queue.Job) error {
	err := c.runner.Process(ctx, job)
	if err == nil {
		return nil
	}

	if job.Attempt < job.MaxAttempts && IsRetryableError(err) {
		c.runner.HandleRetry(ctx, job, err)
		retry := *job
		retry.Attempt++
		delay := ComputeBackoff(job.BackoffBaseDelayMs, job.Attempt)
		if qerr := c.queue.EnqueueDelayed(ctx, &retry, delay); qerr != nil {
			c.log.Error("re-enqueue failed, dead-lettering", "error", qerr, "step_run_id", job.StepRunID)
			c.runner.HandleFailure(ctx, job, err)
			return err
		}
		return err
	}

	c.runner.HandleFailure(ctx, job, err)
	return err
}

// Metrics exposes the pool metrics for health reporting.
func (c *Consumer) Metrics() PoolMetrics {
	return c.pool.Metrics()
}
