package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// keyRegistrations is the Redis hash a SchedulerProcess persists its cron
// registrations to, so a restarted scheduler can reload them on Start.
const keyRegistrations = "pulpq:scheduler:registrations"

// Registration is one entry in the scheduler queue (§4.3): a cron-triggered
// job materialized into a named queue's ready registry at its due time.
type Registration struct {
	JobID       string          `json:"job_id"`
	Queue       string          `json:"queue"`
	CronExpr    string          `json:"cron_expr"`
	CallableRef string          `json:"callable_ref"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// SchedulerProcess is the single process responsible for materializing
// cron-triggered jobs into their queue's ready registry at the due time
// (§4.3 "a single scheduler process materializes them"). It mirrors the
// teacher gateway's mutex-protected entries map, persisting registrations to
// Redis instead of SQLite so a restart can reload them.
type SchedulerProcess struct {
	q    *Queue
	rdb  *redis.Client
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // job id -> cron entry id
}

// NewSchedulerProcess builds a scheduler bound to q's Redis client.
func NewSchedulerProcess(q *Queue, rdb *redis.Client) *SchedulerProcess {
	return &SchedulerProcess{
		q:       q,
		rdb:     rdb,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads every persisted registration and registers it with the cron
// runner, then starts the runner.
func (s *SchedulerProcess) Start(ctx context.Context) error {
	raw, err := s.rdb.HGetAll(ctx, keyRegistrations).Result()
	if err != nil {
		return fmt.Errorf("loading scheduler registrations: %w", err)
	}
	for jobID, data := range raw {
		var reg Registration
		if err := json.Unmarshal([]byte(data), &reg); err != nil {
			slog.Warn("scheduler: dropping unreadable registration", "job_id", jobID, "error", err)
			continue
		}
		if err := s.register(reg); err != nil {
			slog.Warn("scheduler: skipping registration with invalid cron expression",
				"job_id", reg.JobID, "expr", reg.CronExpr, "error", err)
		}
	}
	s.cron.Start()
	slog.Info("job scheduler started", "registrations_loaded", len(raw))
	return nil
}

// Stop halts the cron runner gracefully.
func (s *SchedulerProcess) Stop() { s.cron.Stop() }

// ValidateCronExpr checks that expr parses, without registering it.
func ValidateCronExpr(expr string) error {
	tmp := cron.New()
	id, err := tmp.AddFunc(expr, func() {})
	if err != nil {
		return err
	}
	tmp.Remove(id)
	return nil
}

// RegisterCron registers (or atomically replaces) a cron job (§4.3). If a
// registration with reg.JobID already exists its cron entry is removed
// first, then the new expression is added and persisted.
func (s *SchedulerProcess) RegisterCron(ctx context.Context, reg Registration) error {
	if err := ValidateCronExpr(reg.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", reg.CronExpr, err)
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encoding registration %s: %w", reg.JobID, err)
	}
	if err := s.rdb.HSet(ctx, keyRegistrations, reg.JobID, data).Err(); err != nil {
		return fmt.Errorf("persisting registration %s: %w", reg.JobID, err)
	}

	s.mu.Lock()
	if existing, ok := s.entries[reg.JobID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, reg.JobID)
	}
	s.mu.Unlock()

	return s.register(reg)
}

// DeregisterCron removes a registration by job id, both from the running
// cron instance and from persisted state.
func (s *SchedulerProcess) DeregisterCron(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
	}
	s.mu.Unlock()

	if err := s.rdb.HDel(ctx, keyRegistrations, jobID).Err(); err != nil {
		return fmt.Errorf("removing registration %s: %w", jobID, err)
	}
	return nil
}

// ListScheduled returns every currently-registered scheduled job.
func (s *SchedulerProcess) ListScheduled(ctx context.Context) ([]Registration, error) {
	raw, err := s.rdb.HGetAll(ctx, keyRegistrations).Result()
	if err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}
	out := make([]Registration, 0, len(raw))
	for jobID, data := range raw {
		var reg Registration
		if err := json.Unmarshal([]byte(data), &reg); err != nil {
			slog.Warn("scheduler: skipping unreadable registration", "job_id", jobID, "error", err)
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

func (s *SchedulerProcess) register(reg Registration) error {
	entryID, err := s.cron.AddFunc(reg.CronExpr, func() {
		if _, err := s.q.Enqueue(context.Background(), reg.Queue, reg.Args, EnqueueOptions{JobID: reg.JobID}); err != nil {
			slog.Warn("scheduler: materializing scheduled job failed",
				"job_id", reg.JobID, "queue", reg.Queue, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", reg.CronExpr, err)
	}
	s.mu.Lock()
	s.entries[reg.JobID] = entryID
	s.mu.Unlock()
	return nil
}
