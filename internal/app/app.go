// Package app wires steward's components from a workspace config and store.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"steward/internal/breaker"
	"steward/internal/budget"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/executor"
	"steward/internal/graduation"
	"steward/internal/kv"
	"steward/internal/metrics"
	"steward/internal/migrate"
	"steward/internal/notify"
	"steward/internal/queue"
	"steward/internal/repo"
)

type Options struct {
	Logger *slog.Logger
	// Registerer receives the collectors; nil creates a private registry.
	Registerer prometheus.Registerer
	// Executor replaces the configured webhook relay.
	Executor queue.ActionExecutor
	Now      func() time.Time
}

type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Ledger     budget.Ledger
	Graduation graduation.Tracker
	Queue      queue.Service
	Breakers   *breaker.Registry
	// Executor is the breaker-guarded executor handed to approvals.
	Executor queue.ActionExecutor
	Notifier *notify.Dispatcher
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Open loads steward.yml (defaults when absent), opens and migrates the
// workspace database and wires every component on top of it.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a, err := Build(cfg, kv.NewSQLite(conn), opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.DB = conn
	if len(applied) > 0 {
		a.Logger.Info("applied migrations", "migrations", applied)
	}
	return a, nil
}

// Build wires components over an existing store.
func Build(cfg *config.Config, store kv.Store, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("budget timezone: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var gatherer prometheus.Gatherer
	reg := opts.Registerer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := metrics.MustNewMetrics(reg)

	r := repo.New(store)

	breakers := breaker.NewRegistry(func(name string) breaker.Config {
		bc := cfg.Breakers.For(name)
		return breaker.Config{FailureThreshold: bc.FailureThreshold, ResetTimeout: bc.ResetTimeout()}
	},
		breaker.WithClock(now),
		breaker.WithLogger(logger),
		breaker.WithStateChange(func(name string, _, to breaker.State) {
			m.SetBreakerState(name, string(to))
		}),
	)

	ledger := budget.New(r, cfg.Budget, loc)
	ledger.Metrics, ledger.Logger, ledger.Now = m, logger, now
	ledger.Events.Now = now

	tracker := graduation.New(r.Graduation, cfg.Graduation)
	tracker.DefaultHoldMinutes = cfg.HoldQueue.DefaultMinutes
	tracker.Logger, tracker.Now = logger, now

	svc := queue.New(r, tracker, cfg.HoldQueue)
	svc.Metrics, svc.Logger, svc.Now = m, logger, now
	svc.Events.Now = now

	var next queue.ActionExecutor = executor.NewWebhook(cfg.Executors)
	if opts.Executor != nil {
		next = opts.Executor
	}

	return &App{
		Config:     cfg,
		Repo:       r,
		Ledger:     ledger,
		Graduation: tracker,
		Queue:      svc,
		Breakers:   breakers,
		Executor:   executor.NewGuarded(next, breakers),
		Notifier:   notify.New(r.Events, cfg.Webhooks, logger),
		Metrics:    m,
		Gatherer:   gatherer,
		Logger:     logger,
	}, nil
}

// StuckThreshold is the configured stuck window.
func (a *App) StuckThreshold() time.Duration {
	if a.Config.HoldQueue.StuckThresholdMinutes <= 0 {
		return queue.DefaultStuckThreshold
	}
	return time.Duration(a.Config.HoldQueue.StuckThresholdMinutes) * time.Minute
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
