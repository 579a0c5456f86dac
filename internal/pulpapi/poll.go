package pulpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulpfleet/manager/internal/pulpclient"
)

// PollOptions bounds a PollTask call, mirroring the original monitor_task's
// poll_interval_sec/max_wait_count parameters.
type PollOptions struct {
	Interval     time.Duration
	MaxWaitCount int
}

// DefaultPollOptions matches monitor_task's defaults (15s interval, 200
// waiting-state polls before giving up, i.e. up to 50 minutes stuck waiting).
var DefaultPollOptions = PollOptions{Interval: 15 * time.Second, MaxWaitCount: 200}

// PollTask polls href until the backend task reaches a terminal state,
// returning an error if it fails to ever leave "waiting" within
// opts.MaxWaitCount polls (original's PulpV3TaskStuckWaiting) or if ctx is
// canceled.
func PollTask(ctx context.Context, c *pulpclient.Client, href string, opts PollOptions) (*BackendTask, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollOptions.Interval
	}
	if opts.MaxWaitCount <= 0 {
		opts.MaxWaitCount = DefaultPollOptions.MaxWaitCount
	}

	task, err := GetTask(ctx, c, href)
	if err != nil {
		return nil, err
	}

	waitCount := 0
	for !task.Done() {
		if task.State == "waiting" {
			waitCount++
			if waitCount >= opts.MaxWaitCount {
				return nil, fmt.Errorf("task %s stuck waiting after %d polls", href, waitCount)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Interval):
		}
		task, err = GetTask(ctx, c, href)
		if err != nil {
			return nil, err
		}
	}

	if task.State == "failed" || task.State == "canceled" {
		detail := "unknown error"
		if task.Error != nil {
			detail = task.Error.Description
		}
		return task, fmt.Errorf("backend task %s %s: %s", href, task.State, detail)
	}
	return task, nil
}

// GetTask fetches a backend task by its href, which Pulp-style backends
// return as a path relative to the API root rather than an absolute URL.
func GetTask(ctx context.Context, c *pulpclient.Client, href string) (*BackendTask, error) {
	body, err := c.Get(ctx, href)
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", href, err)
	}
	var task BackendTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", href, err)
	}
	return &task, nil
}
