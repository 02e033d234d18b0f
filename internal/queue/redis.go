// Package queue carries execution jobs between the API and the workers
// over a Redis list.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ignatij/crewflow/pkg/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the list executions are pushed to.
const DefaultKey = "crewflow:executions"

// ErrMalformedJob is returned by Dequeue for payloads that are not a job.
// The payload is consumed either way.
var ErrMalformedJob = errors.New("malformed job payload")

// RedisQueue is a FIFO job queue: producers LPUSH, workers BRPOP.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(addr, key string) *RedisQueue {
	return NewRedisQueueFromClient(redis.NewClient(&redis.Options{Addr: addr}), key)
}

func NewRedisQueueFromClient(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue pushes a job for executionID.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) error {
	if job.ExecutionID == "" {
		return errors.New("job has no execution id")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to encode job")
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return errors.Wrapf(err, "failed to push job for execution %s", job.ExecutionID)
	}
	return nil
}

// Dequeue blocks up to timeout for the oldest job. ok is false when the
// wait ran out. Redis only supports whole-second waits, so shorter
// timeouts are rounded up.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (models.Job, bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, errors.Wrap(err, "failed to pop job")
	}
	// res[0] is the key, res[1] the payload.
	var job models.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil || job.ExecutionID == "" {
		return models.Job{}, false, errors.Wrapf(ErrMalformedJob, "%q", res[1])
	}
	return job, true, nil
}

// Len returns the number of jobs waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read queue length")
	}
	return n, nil
}
