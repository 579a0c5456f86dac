package tasks

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pulpfleet/manager/internal/config"
	"github.com/pulpfleet/manager/internal/queue"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/models"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tasks-test.db")
	db, err := store.NewDB(config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(db, 50)

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb)

	return New(db, s, q), s
}

func TestCreateTaskStartsQueued(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "sync epel-9", models.TaskTypeRepoSync, map[string]int64{"backend_id": 1}, CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.State != models.TaskStateQueued {
		t.Fatalf("expected queued state, got %s", task.State)
	}
	if task.TaskArgs == "" {
		t.Fatalf("expected task args to be encoded")
	}
}

func TestTransitionStampsStartedAndFinished(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "sync", models.TaskTypeRepoSync, nil, CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := svc.Transition(ctx, task.ID, models.TaskStateRunning); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	running, err := s.Tasks.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if running.DateStarted == nil {
		t.Fatalf("expected date_started to be stamped")
	}
	if running.DateFinished != nil {
		t.Fatalf("did not expect date_finished yet")
	}

	if err := svc.CompleteTask(ctx, task.ID); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	done, err := s.Tasks.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if done.State != models.TaskStateCompleted {
		t.Fatalf("expected completed state, got %s", done.State)
	}
	if done.DateFinished == nil {
		t.Fatalf("expected date_finished to be stamped")
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "sync", models.TaskTypeRepoSync, nil, CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// queued -> completed is not a legal I1 edge; only running -> completed is.
	if err := svc.Transition(ctx, task.ID, models.TaskStateCompleted); err == nil {
		t.Fatalf("expected illegal transition to be rejected")
	}
}

func TestTransitionFromTerminalIsRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "sync", models.TaskTypeRepoSync, nil, CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := svc.Transition(ctx, task.ID, models.TaskStateCanceled); err != nil {
		t.Fatalf("transition to canceled: %v", err)
	}
	if err := svc.Transition(ctx, task.ID, models.TaskStateRunning); err == nil {
		t.Fatalf("expected transition out of a terminal state to be rejected")
	}
}

func TestLogTaskErrorMarksFailed(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "sync", models.TaskTypeRepoSync, nil, CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := svc.LogTaskError(ctx, task.ID, "boom: traceback"); err != nil {
		t.Fatalf("log task error: %v", err)
	}

	got, err := s.Tasks.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != models.TaskStateFailed {
		t.Fatalf("expected failed state, got %s", got.State)
	}
	if got.Error != "boom: traceback" {
		t.Fatalf("expected error trace to be recorded, got %q", got.Error)
	}
	if got.DateFinished == nil {
		t.Fatalf("expected date_finished to be stamped")
	}
}

func TestAddStageAndUpdateStage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "sync", models.TaskTypeRepoSync, nil, CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	stage, err := svc.AddStage(ctx, task.ID, "reconcile", "")
	if err != nil {
		t.Fatalf("add stage: %v", err)
	}

	detail := `{"repos_seen":12}`
	if err := svc.UpdateStage(ctx, stage.ID, UpdateStageOptions{Detail: &detail}); err != nil {
		t.Fatalf("update stage: %v", err)
	}
}

func TestTransitionToCanceledCancelsQueueJob(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "sync", models.TaskTypeRepoSync, nil, CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	job, err := svc.q.Enqueue(ctx, "sync", nil, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task.WorkerJobID = job.ID
	if err := s.Tasks.Update(ctx, task); err != nil {
		t.Fatalf("set worker_job_id: %v", err)
	}

	if err := svc.Transition(ctx, task.ID, models.TaskStateCanceled); err != nil {
		t.Fatalf("transition to canceled: %v", err)
	}

	gotJob, err := svc.q.GetJob(ctx, job.ID, false)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotJob.Status != queue.StatusCanceled {
		t.Fatalf("expected queue job to be canceled, got %s", gotJob.Status)
	}
}
