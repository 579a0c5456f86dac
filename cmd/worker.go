package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulpfleet/manager/internal/configreconciler"
	"github.com/pulpfleet/manager/internal/controlplane"
	"github.com/pulpfleet/manager/internal/queue"
	"github.com/pulpfleet/manager/internal/removal"
	"github.com/pulpfleet/manager/internal/snapshot"
	"github.com/pulpfleet/manager/internal/sync"
)

var (
	workerHost   string
	workerQueues []string
)

// dequeueTimeout bounds how long one Dequeue call blocks before the worker
// loop re-checks ctx, matching the teacher's server loops' poll-then-select
// shape rather than relying on a library-level blocking pop with no
// cancellation point.
const dequeueTimeout = 5 * time.Second

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Dequeue and run sync/snapshot/removal/config-registration jobs",
	Long: `worker is the only process that actually invokes C6/C7/C8/C9's
workflow controllers (§5's "the control plane only enqueues, a worker
process performs the work" split). It dequeues from the given queues in
round-robin order and dispatches each job by its queue name.`,
	RunE: runWorker,
}

func init() {
	hostname, _ := os.Hostname()
	workerCmd.Flags().StringVar(&workerHost, "host", hostname, "worker identity recorded on tasks it claims")
	workerCmd.Flags().StringSliceVar(&workerQueues, "queues", []string{
		controlplane.QueueSync, controlplane.QueueSnapshot, controlplane.QueueRemoval, configreconciler.QueueConfig,
	}, "comma-separated list of queues to dequeue from")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel)

	d, err := bootstrap()
	if err != nil {
		return err
	}
	defer d.Close()

	disp := &dispatcher{
		sync:     sync.New(d.store, d.tasks, d.vault, d.cfg.Pulp),
		snapshot: snapshot.New(d.store, d.tasks, d.vault, d.cfg.Pulp),
		removal:  removal.New(d.store, d.tasks, d.vault, d.cfg.Pulp),
		config:   configreconciler.New(d.db, d.store, d.sched, d.vault, d.cfg.Pulp),
	}

	fmt.Printf("worker %q listening on queues: %s\n", workerHost, strings.Join(workerQueues, ", "))
	next := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println("worker: shutting down")
			return nil
		default:
		}

		job, queueName, err := dequeueAny(ctx, d.queue, workerQueues, next)
		if len(workerQueues) > 0 {
			next = (next + 1) % len(workerQueues)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("worker: dequeue failed", "error", err)
			continue
		}
		if job == nil {
			continue
		}

		if err := disp.dispatch(ctx, queueName, job.Args); err != nil {
			slog.Error("worker: job failed", "queue", queueName, "job_id", job.ID, "error", err)
			if ferr := d.queue.Fail(ctx, job, err.Error()); ferr != nil {
				slog.Error("worker: marking job failed", "job_id", job.ID, "error", ferr)
			}
			continue
		}
		if err := d.queue.Finish(ctx, job); err != nil {
			slog.Error("worker: marking job finished", "job_id", job.ID, "error", err)
		}
	}
}

// dequeueAny polls each queue in turn for one ready job, starting at index
// start; the worker loop advances start every cycle so each queue takes its
// turn at the front rather than starving the later ones behind a
// perpetually-busy first queue.
func dequeueAny(ctx context.Context, q *queue.Queue, queues []string, start int) (*queue.Job, string, error) {
	for i := range queues {
		name := queues[(start+i)%len(queues)]
		job, err := q.Dequeue(ctx, name, dequeueTimeout)
		if err != nil {
			return nil, "", err
		}
		if job != nil {
			return job, name, nil
		}
	}
	return nil, "", nil
}

// dispatcher holds one controller per workflow queue, chosen by queue name
// since queue.Job carries no callable reference of its own (only
// queue.Registration, used for cron, does) — the queue IS the dispatch key,
// matching configreconciler's QueueSync/QueueConfig naming convention.
type dispatcher struct {
	sync     *sync.Controller
	snapshot *snapshot.Controller
	removal  *removal.Controller
	config   *configreconciler.Controller
}

func (d *dispatcher) dispatch(ctx context.Context, queueName string, args json.RawMessage) error {
	switch queueName {
	case controlplane.QueueSync:
		var opts sync.Options
		if err := json.Unmarshal(args, &opts); err != nil {
			return fmt.Errorf("decoding sync job args: %w", err)
		}
		_, err := d.sync.SyncRepos(ctx, opts)
		return err

	case controlplane.QueueSnapshot:
		var opts snapshot.Options
		if err := json.Unmarshal(args, &opts); err != nil {
			return fmt.Errorf("decoding snapshot job args: %w", err)
		}
		_, err := d.snapshot.SnapshotRepos(ctx, opts)
		return err

	case controlplane.QueueRemoval:
		var env removal.QueueJob
		if err := json.Unmarshal(args, &env); err != nil {
			return fmt.Errorf("decoding removal job args: %w", err)
		}
		switch env.Kind {
		case removal.KindRemoveRepos:
			if env.Repos == nil {
				return fmt.Errorf("removal job %q missing repos options", env.Kind)
			}
			_, err := d.removal.RemoveRepos(ctx, *env.Repos)
			return err
		case removal.KindRemoveRepoContent:
			if env.Content == nil {
				return fmt.Errorf("removal job %q missing content options", env.Kind)
			}
			_, err := d.removal.RemoveRepoContent(ctx, *env.Content)
			return err
		default:
			return fmt.Errorf("unknown removal job kind %q", env.Kind)
		}

	case configreconciler.QueueConfig:
		var opts configreconciler.RegisterRepoConfigOptions
		if err := json.Unmarshal(args, &opts); err != nil {
			return fmt.Errorf("decoding repo_config_registration job args: %w", err)
		}
		return d.config.RegisterRepoConfig(ctx, opts)

	default:
		return fmt.Errorf("no dispatcher registered for queue %q", queueName)
	}
}
