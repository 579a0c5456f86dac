// Package tasks is the C4 task service: owns Task and TaskStage lifecycles,
// enforcing the I1 transition DAG and stamping queued/started/finished
// timestamps atomically.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulpfleet/manager/internal/pulperr"
	"github.com/pulpfleet/manager/internal/queue"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/models"
)

// Service owns Task and TaskStage lifecycles (§4.4). Every mutation runs
// inside a bounded transaction so callers never observe a half-updated task.
type Service struct {
	db    store.DB
	store *store.Store
	q     *queue.Queue
}

// New builds a Service bound to s's repositories and q's job queue.
func New(db store.DB, s *store.Store, q *queue.Queue) *Service {
	return &Service{db: db, store: s, q: q}
}

// CreateTaskOptions customizes a create_task call (§4.4).
type CreateTaskOptions struct {
	ParentTaskID *int64
	Worker       string
}

// CreateTask inserts a queued Task and returns it.
func (s *Service) CreateTask(ctx context.Context, name string, taskType models.TaskType, taskArgs interface{}, opts CreateTaskOptions) (*models.Task, error) {
	var argsJSON string
	if taskArgs != nil {
		data, err := json.Marshal(taskArgs)
		if err != nil {
			return nil, fmt.Errorf("encoding task args: %w", err)
		}
		argsJSON = string(data)
	}

	task := &models.Task{
		Name:         name,
		ParentTaskID: opts.ParentTaskID,
		TaskType:     taskType,
		TaskArgs:     argsJSON,
		DateQueued:   time.Now().UTC(),
		State:        models.TaskStateQueued,
		Worker:       opts.Worker,
	}

	id, err := s.store.Tasks.Add(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("creating task %s: %w", name, err)
	}
	task.ID = id
	return task, nil
}

// Transition validates and applies an I1 state change, stamping
// date_started on entering running and date_finished on entering any
// terminal state (§4.4). All bundled writes commit or roll back together.
func (s *Service) Transition(ctx context.Context, taskID int64, next models.TaskState) error {
	return s.withTx(ctx, func(ctx context.Context, txStore *store.Store) error {
		task, err := txStore.Tasks.GetByID(ctx, taskID)
		if err != nil {
			return err
		}
		if !models.CanTransition(task.State, next) {
			return fmt.Errorf("task %d: %s -> %s: %w", taskID, task.State, next, pulperr.ErrInvalidTransition)
		}

		now := time.Now().UTC()
		task.State = next
		if next == models.TaskStateRunning {
			task.DateStarted = &now
		}
		if next.Terminal() {
			task.DateFinished = &now
		}
		if err := txStore.Tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("persisting task %d transition: %w", taskID, err)
		}

		if next == models.TaskStateCanceled && task.WorkerJobID != "" {
			if err := s.q.Cancel(ctx, task.WorkerJobID); err != nil {
				return fmt.Errorf("canceling queue job %s for task %d: %w", task.WorkerJobID, taskID, err)
			}
		}
		return nil
	})
}

// AddStage appends a new TaskStage to task.
func (s *Service) AddStage(ctx context.Context, taskID int64, name, detail string) (*models.TaskStage, error) {
	now := time.Now().UTC()
	stage := &models.TaskStage{
		TaskID:    taskID,
		Name:      name,
		Detail:    detail,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := s.store.TaskStages.Add(ctx, stage)
	if err != nil {
		return nil, fmt.Errorf("adding stage %s to task %d: %w", name, taskID, err)
	}
	stage.ID = id
	return stage, nil
}

// UpdateStageOptions carries the optional fields update_stage may set.
type UpdateStageOptions struct {
	Detail *string
	Error  *string
}

// UpdateStage patches a stage's detail and/or error.
func (s *Service) UpdateStage(ctx context.Context, stageID int64, opts UpdateStageOptions) error {
	stage, err := s.store.TaskStages.GetByID(ctx, stageID)
	if err != nil {
		return err
	}
	if opts.Detail != nil {
		stage.Detail = *opts.Detail
	}
	if opts.Error != nil {
		stage.Error = *opts.Error
	}
	stage.UpdatedAt = time.Now().UTC()
	if err := s.store.TaskStages.Update(ctx, stage); err != nil {
		return fmt.Errorf("updating stage %d: %w", stageID, err)
	}
	return nil
}

// LogTaskError sets state=failed and records the trace, stamping
// date_finished (§4.4).
func (s *Service) LogTaskError(ctx context.Context, taskID int64, trace string) error {
	return s.withTx(ctx, func(ctx context.Context, txStore *store.Store) error {
		task, err := txStore.Tasks.GetByID(ctx, taskID)
		if err != nil {
			return err
		}
		if task.State.Terminal() {
			return fmt.Errorf("task %d already terminal (%s): %w", taskID, task.State, pulperr.ErrInvalidTransition)
		}
		now := time.Now().UTC()
		task.State = models.TaskStateFailed
		task.Error = trace
		task.DateFinished = &now
		if err := txStore.Tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("recording failure on task %d: %w", taskID, err)
		}
		return nil
	})
}

// CompleteTask transitions a task to completed.
func (s *Service) CompleteTask(ctx context.Context, taskID int64) error {
	return s.Transition(ctx, taskID, models.TaskStateCompleted)
}

// LastStates returns the most recent n task states linked to a BackendRepo
// via BackendRepoTaskLink, most-recent-first, for I4 health classification.
func (s *Service) LastStates(ctx context.Context, backendRepoID int64, n int) ([]models.TaskState, error) {
	var links []*models.BackendRepoTaskLink
	if err := s.db.Select(ctx, &links,
		`SELECT l.id, l.backend_repo_id, l.task_id
		   FROM backend_repo_task_links l
		   JOIN tasks t ON t.id = l.task_id
		  WHERE l.backend_repo_id = ?
		  ORDER BY t.date_queued DESC
		  LIMIT ?`, backendRepoID, n); err != nil {
		return nil, fmt.Errorf("loading task links for backend repo %d: %w", backendRepoID, err)
	}

	states := make([]models.TaskState, 0, len(links))
	for _, link := range links {
		task, err := s.store.Tasks.GetByID(ctx, link.TaskID)
		if err != nil {
			return nil, err
		}
		states = append(states, task.State)
	}
	return states, nil
}

// withTx runs fn against a Store bound to a fresh transaction, committing on
// success and rolling back on error or panic.
func (s *Service) withTx(ctx context.Context, fn func(ctx context.Context, txStore *store.Store) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, s.store.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
