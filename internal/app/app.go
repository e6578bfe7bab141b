// Package app builds the process-wide dependency graph shared by cmd/api,
// cmd/worker and cmd/dialerctl.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/dialer"
	"campaign-dialer/internal/jobs"
	"campaign-dialer/internal/reconciler"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/telephony"
	"campaign-dialer/internal/wallet"
	"campaign-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Runtime holds opened connections and the services built on them.
type Runtime struct {
	Config config.Config
	Log    *slog.Logger

	DB    *sql.DB
	Redis *redis.Client

	Store      *campaigns.PostgresStore
	Provider   *telephony.RetellClient
	Wallet     *wallet.Service
	Allowance  *wallet.Allowance
	Audit      *audit.Service
	Locker     *dialer.RedisLocker
	Engine     *dialer.Engine
	Queue      *jobs.RedisQueue
	Enricher   *calls.Enricher
	Reconciler *reconciler.Reconciler
	Reports    *reporting.Service
}

// Open connects to postgres and redis and wires every service. process names
// the postgres session. Callers must Close the runtime.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger, process string) (*Runtime, error) {
	db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{
		ApplicationName: "campaign-dialer/" + process,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres init: %w", err)
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis init: %w", err)
	}

	rt := &Runtime{Config: cfg, Log: log, DB: db, Redis: rdb}
	rt.Store = campaigns.NewPostgresStore(db)
	rt.Provider = telephony.NewRetellClient(telephony.RetellConfig{
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.Timeout,
	})
	rt.Wallet = wallet.NewService(db)
	rt.Audit = audit.NewService(audit.NewPostgresRepo(db))
	rt.Allowance = wallet.NewAllowance(rt.Wallet, cfg.Billing.CallCostMinor)
	rt.Locker = dialer.NewRedisLocker(rdb)
	rt.Queue = jobs.NewRedisQueue(rdb)

	opts := dialer.ConfigOptions(cfg)
	opts.Locker = rt.Locker
	opts.Auditor = rt.Audit
	// A nil *Allowance in the interface would not read as "no check".
	if rt.Allowance.Enabled() {
		opts.Allowance = rt.Allowance
		opts.Meter = wallet.NewCallMeter(rt.Wallet, cfg.Billing.CallCostMinor, cfg.Billing.Currency)
	}
	rt.Engine = dialer.NewEngine(rt.Store, rt.Provider, opts)

	rt.Enricher = calls.NewEnricher(rt.Store, rt.Provider, cfg.Dispatch.EnrichParallelism)
	rt.Reconciler = reconciler.New(rt.Store, cfg.Dispatch.ReconcilerInterval)
	rt.Reports = reporting.NewService(rt.Store, rt.Wallet)

	log.Info("runtime ready",
		"dispatch_mode", string(cfg.Dispatch.Mode),
		"billing", rt.Allowance.Enabled(),
		"provider", rt.Provider.Name(),
	)
	return rt, nil
}

// Close releases redis and postgres connections.
func (rt *Runtime) Close() {
	if err := rt.Redis.Close(); err != nil {
		rt.Log.Warn("redis close failed", "error", err)
	}
	if err := rt.DB.Close(); err != nil {
		rt.Log.Warn("postgres close failed", "error", err)
	}
}

// Migrate applies every package schema in dependency order.
func (rt *Runtime) Migrate(ctx context.Context) error {
	return utils.ApplySchemas(ctx, rt.DB, campaigns.Schema, wallet.Schema, audit.Schema)
}

// Dispatcher returns the dispatcher for the configured mode. The inline
// dispatcher is non-nil only in inline mode; its loops stop with base.
func (rt *Runtime) Dispatcher(base context.Context) (dialer.Dispatcher, *dialer.InlineDispatcher) {
	if rt.Config.Dispatch.Mode == config.DispatchModeInline {
		inline := dialer.NewInlineDispatcher(base, rt.Engine)
		return inline, inline
	}
	return jobs.NewDispatcher(rt.Queue), nil
}

// Worker builds the queue consumer for cmd/worker.
func (rt *Runtime) Worker() *jobs.Worker {
	return jobs.NewWorker(rt.Queue, rt.Engine, rt.Store, jobs.WorkerOptions{
		Concurrency: rt.Config.Dispatch.WorkerConcurrency,
	})
}
