package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orkestr/orkestr/pkg/schema"
)

const dequeueBlock = 2 * time.Second

// RedisQueue dispatches jobs through a Redis list, with a sorted set holding
// delayed jobs until their backoff expires. Ready jobs are promoted from the
// sorted set into the list on every dequeue. Dequeued jobs move into a
// processing list until acknowledged, so a worker crash mid-step leaves the
// delivery recoverable instead of lost.
type RedisQueue struct {
	client        *redis.Client
	key           string
	delayedKey    string
	processingKey string
}

// NewRedisQueue creates a queue on the given Redis client and queue name.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client:        client,
		key:           name,
		delayedKey:    name + ":delayed",
		processingKey: name + ":processing",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return schema.NewError(schema.ErrCodeQueue, "enqueue failed").WithCause(err)
	}
	return nil
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: due, Member: data}).Err(); err != nil {
		return schema.NewError(schema.ErrCodeQueue, "enqueue delayed failed").WithCause(err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	// The job atomically moves into the processing list; Ack removes it.
	res, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", dequeueBlock).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewError(schema.ErrCodeQueue, "dequeue failed").WithCause(err)
	}

	var job Job
	if err := json.Unmarshal([]byte(res), &job); err != nil {
		return nil, schema.NewError(schema.ErrCodeQueue, "malformed job payload").WithCause(err)
	}
	return &job, nil
}

// Ack removes a handled delivery from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LRem(ctx, q.processingKey, 1, data).Err(); err != nil {
		return schema.NewError(schema.ErrCodeQueue, "ack failed").WithCause(err)
	}
	return nil
}

// Recover moves every unacknowledged delivery from the processing list back
// onto the ready list. Redelivery of a job another worker is still handling
// is acceptable: processing is idempotent under at-least-once delivery.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	var n int
	for {
		_, err := q.client.LMove(ctx, q.processingKey, q.key, "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, schema.NewError(schema.ErrCodeQueue, "recover failed").WithCause(err)
		}
		n++
	}
}

// promoteDue moves jobs whose backoff has expired from the delayed set to the
// ready list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return schema.NewError(schema.ErrCodeQueue, "read delayed jobs failed").WithCause(err)
	}
	for _, member := range due {
		// ZRem first: if two workers race, only one wins the removal and pushes.
		removed, err := q.client.ZRem(ctx, q.delayedKey, member).Result()
		if err != nil {
			return schema.NewError(schema.ErrCodeQueue, "promote delayed job failed").WithCause(err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.key, member).Err(); err != nil {
			return schema.NewError(schema.ErrCodeQueue, "promote delayed job failed").WithCause(err)
		}
	}
	return nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
