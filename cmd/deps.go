package cmd

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pulpfleet/manager/internal/config"
	"github.com/pulpfleet/manager/internal/queue"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/internal/tasks"
	"github.com/pulpfleet/manager/internal/vault"
)

// deps is the dependency bag every long-running subcommand wires up from
// config, mirroring the teacher's cmd/gateway.go's config.Load + database.New
// bootstrap but split three ways (store/queue/vault) per §5's actor split.
type deps struct {
	cfg   *config.Config
	db    store.DB
	store *store.Store
	rdb   *redis.Client
	queue *queue.Queue
	sched *queue.SchedulerProcess
	tasks *tasks.Service
	vault vault.Provider
}

// bootstrap loads config and opens every shared dependency, but does not
// migrate the database — callers that need a guaranteed-current schema call
// db.Migrate themselves (migrate.go is the only command that always should).
func bootstrap() (*deps, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	db, err := store.NewDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := store.New(db, cfg.Database.MaxPageSize)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	q := queue.New(rdb)
	sched := queue.NewSchedulerProcess(q, rdb)
	taskSvc := tasks.New(db, s, q)
	v := vault.New(*cfg)

	return &deps{
		cfg: cfg, db: db, store: s, rdb: rdb,
		queue: q, sched: sched, tasks: taskSvc, vault: v,
	}, nil
}

func (d *deps) Close() {
	_ = d.rdb.Close()
	_ = d.db.Close()
}
