package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestEnqueueDequeueFinish(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "sync", json.RawMessage(`{"backend_id":1}`), EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ids, total, err := q.ListJobs(ctx, "sync", string(StatusQueued), 1, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if total != 1 || len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("expected job %s in queued registry, got %v (total=%d)", job.ID, ids, total)
	}

	started, err := q.Dequeue(ctx, "sync", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if started == nil || started.ID != job.ID {
		t.Fatalf("expected to dequeue job %s, got %+v", job.ID, started)
	}
	if started.Status != StatusStarted {
		t.Fatalf("expected started status, got %s", started.Status)
	}

	if err := q.Finish(ctx, started); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := q.GetJob(ctx, job.ID, false)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusFinished {
		t.Fatalf("expected finished status, got %s", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatalf("expected EndedAt to be set")
	}
}

func TestDequeueOnEmptyQueueTimesOut(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Dequeue(ctx, "empty", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job on timeout, got %+v", job)
	}
}

func TestFailRecordsException(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "sync", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	started, err := q.Dequeue(ctx, "sync", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if err := q.Fail(ctx, started, "boom: traceback"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	withoutTrace, err := q.GetJob(ctx, job.ID, false)
	if err != nil {
		t.Fatalf("get job without trace: %v", err)
	}
	if withoutTrace.Exception != "" {
		t.Fatalf("expected exception trace to be hidden by default, got %q", withoutTrace.Exception)
	}

	withTrace, err := q.GetJob(ctx, job.ID, true)
	if err != nil {
		t.Fatalf("get job with trace: %v", err)
	}
	if withTrace.Exception != "boom: traceback" {
		t.Fatalf("expected exception trace, got %q", withTrace.Exception)
	}

	ids, total, err := q.ListJobs(ctx, "sync", string(StatusFailed), 1, 10)
	if err != nil {
		t.Fatalf("list failed jobs: %v", err)
	}
	if total != 1 || len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("expected job in failed registry, got %v (total=%d)", ids, total)
	}
}

func TestCancelRemovesJobFromQueueAndRegistries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "sync", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := q.GetJob(ctx, job.ID, false)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusCanceled {
		t.Fatalf("expected canceled status, got %s", got.Status)
	}

	_, total, err := q.ListJobs(ctx, "sync", string(StatusQueued), 1, 10)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected job removed from queued registry, total=%d", total)
	}

	// Dequeuing should now time out immediately since the job was LREM'd
	// from the FIFO list.
	none, err := q.Dequeue(ctx, "sync", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no job to dequeue after cancel, got %+v", none)
	}
}

func TestListQueuesReturnsDistinctNames(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "sync", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue sync: %v", err)
	}
	if _, err := q.Enqueue(ctx, "snapshot", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue snapshot: %v", err)
	}
	if _, err := q.Enqueue(ctx, "sync", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue sync 2: %v", err)
	}

	names, err := q.ListQueues(ctx)
	if err != nil {
		t.Fatalf("list queues: %v", err)
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["sync"] || !seen["snapshot"] || len(names) != 2 {
		t.Fatalf("expected exactly [sync snapshot], got %v", names)
	}
}
