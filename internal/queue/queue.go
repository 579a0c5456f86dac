// Package queue is the C3 job queue: named FIFO queues backed by a shared
// key-value + pub/sub store (Redis), modeled on the RQ-style job/registry
// split described in §4.3.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Status is one of a Job's lifecycle states within a registry.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusDeferred Status = "deferred"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Job is one unit of queued work (§4.3).
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Args       json.RawMessage `json:"args,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	Status     Status          `json:"status"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	ResultTTL  time.Duration   `json:"result_ttl,omitempty"`
	TTL        time.Duration   `json:"ttl,omitempty"`
	Timeout    time.Duration   `json:"timeout,omitempty"`
	Exception  string          `json:"exception,omitempty"`
}

// EnqueueOptions customizes a single Enqueue call.
type EnqueueOptions struct {
	Meta      json.RawMessage
	ResultTTL time.Duration
	TTL       time.Duration
	Timeout   time.Duration
	// JobID lets the scheduler materializer assign a deterministic id instead
	// of a random uuid.
	JobID string
}

// Queue wraps a Redis client with the FIFO-queue + registry operations §4.3
// names. All keys are namespaced under "pulpq:" so the store can share a
// Redis instance with other consumers.
type Queue struct {
	rdb *redis.Client
}

// New wraps an already-configured Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func keyJob(id string) string                { return fmt.Sprintf("pulpq:job:%s", id) }
func keyQueueList(queue string) string       { return fmt.Sprintf("pulpq:queue:%s", queue) }
func keyRegistry(queue, registry string) string {
	return fmt.Sprintf("pulpq:registry:%s:%s", queue, registry)
}
func keyQueues() string       { return "pulpq:queues" }
func keyWakeChannel(queue string) string { return fmt.Sprintf("pulpq:wake:%s", queue) }

// Enqueue creates a job, pushes it onto queue's FIFO list, records it in the
// "queued" registry, and publishes a wakeup so a blocked worker picks it up.
func (q *Queue) Enqueue(ctx context.Context, queueName string, args json.RawMessage, opts EnqueueOptions) (*Job, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	job := &Job{
		ID:         id,
		Queue:      queueName,
		Args:       args,
		Meta:       opts.Meta,
		Status:     StatusQueued,
		EnqueuedAt: time.Now().UTC(),
		ResultTTL:  opts.ResultTTL,
		TTL:        opts.TTL,
		Timeout:    opts.Timeout,
	}
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}

	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, keyQueues(), queueName)
	pipe.RPush(ctx, keyQueueList(queueName), job.ID)
	pipe.ZAdd(ctx, keyRegistry(queueName, string(StatusQueued)), redis.Z{Score: float64(job.EnqueuedAt.Unix()), Member: job.ID})
	pipe.Publish(ctx, keyWakeChannel(queueName), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueueing job onto %s: %w", queueName, err)
	}
	return job, nil
}

// Dequeue blocks up to timeout for a ready job on queueName, moving it into
// the "started" registry before returning it to the caller. A zero timeout
// blocks indefinitely (bounded by ctx).
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BLPop(ctx, timeout, keyQueueList(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing from %s: %w", queueName, err)
	}
	jobID := res[1]

	job, err := q.GetJob(ctx, jobID, false)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	job.Status = StatusStarted
	job.StartedAt = &now
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyRegistry(queueName, string(StatusQueued)), jobID)
	pipe.ZAdd(ctx, keyRegistry(queueName, string(StatusStarted)), redis.Z{Score: float64(now.Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("recording start of job %s: %w", jobID, err)
	}
	return job, nil
}

// Finish moves a started job into the "finished" registry.
func (q *Queue) Finish(ctx context.Context, job *Job) error {
	return q.complete(ctx, job, StatusFinished, "")
}

// Fail moves a started job into the "failed" registry, recording the
// exception trace (§4.3 "look up job by id, optionally with exception trace").
func (q *Queue) Fail(ctx context.Context, job *Job, exception string) error {
	return q.complete(ctx, job, StatusFailed, exception)
}

func (q *Queue) complete(ctx context.Context, job *Job, status Status, exception string) error {
	now := time.Now().UTC()
	job.Status = status
	job.EndedAt = &now
	job.Exception = exception
	if err := q.save(ctx, job); err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyRegistry(job.Queue, string(StatusStarted)), job.ID)
	pipe.ZAdd(ctx, keyRegistry(job.Queue, string(status)), redis.Z{Score: float64(now.Unix()), Member: job.ID})
	if job.ResultTTL > 0 {
		pipe.Expire(ctx, keyJob(job.ID), job.ResultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return nil
}

// Cancel removes a job from the queued/started registries and marks it
// canceled, without force-cancelling any in-flight backend call (§5 says
// the owning controller observes this at the next stage boundary).
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.GetJob(ctx, jobID, false)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.Status = StatusCanceled
	job.EndedAt = &now
	if err := q.save(ctx, job); err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	for _, registry := range []Status{StatusQueued, StatusDeferred, StatusStarted} {
		pipe.ZRem(ctx, keyRegistry(job.Queue, string(registry)), jobID)
	}
	pipe.LRem(ctx, keyQueueList(job.Queue), 0, jobID)
	pipe.ZAdd(ctx, keyRegistry(job.Queue, string(StatusCanceled)), redis.Z{Score: float64(now.Unix()), Member: jobID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("canceling job %s: %w", jobID, err)
	}
	return nil
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	if err := q.rdb.Set(ctx, keyJob(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob looks up a job by id. When withException is false the Exception
// field is cleared, matching the operation's "optionally with exception
// trace" contract (§4.3).
func (q *Queue) GetJob(ctx context.Context, id string, withException bool) (*Job, error) {
	data, err := q.rdb.Get(ctx, keyJob(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s: %w", id, errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	if !withException {
		job.Exception = ""
	}
	return &job, nil
}

// ListQueues returns every queue name that has ever been enqueued to.
func (q *Queue) ListQueues(ctx context.Context) ([]string, error) {
	names, err := q.rdb.SMembers(ctx, keyQueues()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing queues: %w", err)
	}
	return names, nil
}

// ListJobs returns one page of job ids in a given queue's registry, newest first.
func (q *Queue) ListJobs(ctx context.Context, queueName, registry string, page, pageSize int) ([]string, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	key := keyRegistry(queueName, registry)
	total, err := q.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("counting %s/%s: %w", queueName, registry, err)
	}
	start := int64((page - 1) * pageSize)
	stop := start + int64(pageSize) - 1
	ids, err := q.rdb.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("listing %s/%s: %w", queueName, registry, err)
	}
	return ids, total, nil
}

// Subscribe returns a pub/sub channel woken whenever a new job lands in
// queueName, for workers blocked on an otherwise-empty queue.
func (q *Queue) Subscribe(ctx context.Context, queueName string) *redis.PubSub {
	return q.rdb.Subscribe(ctx, keyWakeChannel(queueName))
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errNotFound sentinelErr = "job not found"
