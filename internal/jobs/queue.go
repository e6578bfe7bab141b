package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the redis list holding pending dispatch jobs. Producers LPUSH,
// workers BRPOP, so jobs are consumed oldest first.
const QueueKey = "dialer:jobs"

var ErrMalformedJob = errors.New("jobs: malformed job payload")

// Job asks a worker to run (or continue) one campaign's dispatch loop.
type Job struct {
	CampaignID string    `json:"campaign_id"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a FIFO of jobs shared by api and worker processes.
type Queue interface {
	Push(ctx context.Context, j Job) error
	// Pop waits up to timeout for a job. ok is false when none arrived.
	Pop(ctx context.Context, timeout time.Duration) (j Job, ok bool, err error)
}

type RedisQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: QueueKey}
}

func (q *RedisQueue) Push(ctx context.Context, j Job) error {
	b, err := encodeJob(j)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("jobs: push: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("jobs: pop: %w", err)
	}
	// BRPOP replies [key, value].
	if len(res) != 2 {
		return Job{}, false, fmt.Errorf("%w: unexpected reply length %d", ErrMalformedJob, len(res))
	}
	j, err := decodeJob([]byte(res[1]))
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// Len reports how many jobs are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

func encodeJob(j Job) ([]byte, error) {
	if j.CampaignID == "" {
		return nil, fmt.Errorf("%w: campaign_id is required", ErrMalformedJob)
	}
	return json.Marshal(j)
}

func decodeJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if j.CampaignID == "" {
		return Job{}, fmt.Errorf("%w: campaign_id is required", ErrMalformedJob)
	}
	return j, nil
}

// Dispatcher enqueues loop runs for the worker fleet.
type Dispatcher struct {
	queue Queue
	clock func() time.Time
}

func NewDispatcher(q Queue) *Dispatcher {
	return &Dispatcher{queue: q, clock: time.Now}
}

func (d *Dispatcher) Dispatch(ctx context.Context, campaignID, reason string) error {
	return d.queue.Push(ctx, Job{CampaignID: campaignID, Reason: reason, EnqueuedAt: d.clock().UTC()})
}
