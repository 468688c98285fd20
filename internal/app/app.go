// Package app wires the relay's components together: database, state machine,
// mailbox, worker pool, scheduler, metrics and HTTP handler. The CLI and the
// tests build an App instead of assembling the pieces by hand.
package app

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"fedrelay/internal/config"
	"fedrelay/internal/db"
	"fedrelay/internal/domain"
	"fedrelay/internal/mailbox"
	"fedrelay/internal/metrics"
	"fedrelay/internal/migrate"
	"fedrelay/internal/registry"
	"fedrelay/internal/relay"
	"fedrelay/internal/repo"
	"fedrelay/internal/run"
	"fedrelay/internal/scheduler"
	"fedrelay/internal/server"
	"fedrelay/internal/worker"
)

type App struct {
	DB        *sql.DB
	Config    *config.Config
	Repo      repo.Repo
	Mailbox   *mailbox.Store
	Machine   *run.Machine
	Pool      *worker.Pool
	Relay     *relay.Service
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	reg *prometheus.Registry
}

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
}

// New opens the workspace database, migrates it, and wires every component.
// Callers own the returned App and must Close it.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return NewWithDB(conn, cfg, logger), nil
}

// NewWithDB wires an App onto an already-open, migrated database.
func NewWithDB(conn *sql.DB, cfg *config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := repo.Repo{DB: conn}

	mbox := mailbox.New(conn)
	machine := run.New(conn, mbox, cfg)
	machine.OnTransition = func(runID, from, to string) {
		m.RunTransitions.WithLabelValues(from, to).Add(1)
		if n, err := r.CountActiveRuns(context.Background()); err == nil {
			m.RunsActive.Set(float64(n))
		}
	}

	pool := worker.NewPool(worker.Config{
		Workers:      cfg.Workers.Count,
		ControlQueue: cfg.Workers.ControlQueueSize,
		FanoutQueue:  cfg.Workers.FanoutQueueSize,
		Retry:        worker.DefaultRetryPolicy(cfg.Workers.MaxAttempts),
		Logger:       logger.Named("worker"),
		OnRetry: func(job worker.Job, attempt int) {
			m.FanoutRetries.Add(1)
		},
		// A delivery that exhausted its retries becomes a run warning instead
		// of failing the originating request.
		OnGiveUp: func(job worker.Job, err error) {
			m.FanoutGiveUps.Add(1)
			if job.RunID == "" {
				return
			}
			w := repo.Repo{DB: conn}
			warnErr := w.InsertWarning(context.Background(), warning(job, err))
			if warnErr != nil {
				logger.Error("record delivery warning",
					zap.String("run_id", job.RunID),
					zap.Error(warnErr),
				)
			}
		},
	})

	svc := relay.New(conn, mbox, machine, pool, cfg, m, logger.Named("relay"))
	reg2 := registry.New(conn)
	sched := scheduler.New(conn, machine, mbox, cfg, logger.Named("scheduler"))

	return &App{
		DB:        conn,
		Config:    cfg,
		Repo:      r,
		Mailbox:   mbox,
		Machine:   machine,
		Pool:      pool,
		Relay:     svc,
		Registry:  reg2,
		Scheduler: sched,
		Metrics:   m,
		Logger:    logger,
		reg:       reg,
	}
}

// Handler builds the HTTP API handler for this App.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Relay:    a.Relay,
		Registry: a.Registry,
		Repo:     a.Repo,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret: a.Config.Auth.JWTSecret,
			Logger:    a.Logger.Named("auth"),
		},
		Gatherer: a.reg,
	})
}

// Start launches the worker pool and the background scheduler.
func (a *App) Start(ctx context.Context) {
	a.Pool.Start(ctx)
	go func() {
		if err := a.Scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error("scheduler stopped", zap.Error(err))
		}
	}()
}

// Close drains the worker pool and closes the database.
func (a *App) Close() error {
	a.Pool.Close()
	return a.DB.Close()
}

func warning(job worker.Job, err error) domain.Warning {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return domain.Warning{
		ID:        uuid.New().String(),
		RunID:     job.RunID,
		SiteID:    job.SiteID,
		Kind:      "delivery_failed",
		Detail:    detail,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}
