package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPollTimeout = time.Second
	// claimTTL bounds how long a key stays claimed if the process holding it
	// dies before calling Done.
	claimTTL = 6 * time.Hour
)

// RedisQueue is a Queue shared by every agentexec process pointed at the same
// Redis. A key is claimed with SET NX and the job pushed onto a list; BRPOP
// hands it to exactly one worker.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue connects using a redis:// URL.
func NewRedisQueue(url, prefix string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisQueueWithClient(client, prefix), nil
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "agentexec:jobs"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) readyKey() string         { return q.prefix + ":ready" }
func (q *RedisQueue) claimKey(k string) string { return q.prefix + ":claim:" + k }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	claimed, err := q.client.SetNX(ctx, q.claimKey(job.Key), job.EnqueuedAt.Format(time.RFC3339Nano), claimTTL).Result()
	if err != nil {
		return fmt.Errorf("claim job %s: %w", job.Key, err)
	}
	if !claimed {
		return ErrJobExists
	}
	if err := q.client.LPush(ctx, q.readyKey(), payload).Err(); err != nil {
		_ = q.client.Del(ctx, q.claimKey(job.Key)).Err()
		return fmt.Errorf("push job %s: %w", job.Key, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := q.client.BRPop(ctx, redisPollTimeout, q.readyKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("pop job: %w", err)
		}
		// res is [list, value].
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		return &job, nil
	}
}

func (q *RedisQueue) Done(ctx context.Context, key string) error {
	return q.client.Del(ctx, q.claimKey(key)).Err()
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.readyKey()).Result()
	return int(n), err
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
