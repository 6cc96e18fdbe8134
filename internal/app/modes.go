package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/engine"
	"github.com/timepoint-ai/proteus-sub001/internal/ledger"
	"github.com/timepoint-ai/proteus-sub001/internal/notify"
	"github.com/timepoint-ai/proteus-sub001/internal/oracle"
	"github.com/timepoint-ai/proteus-sub001/internal/payout"
	"github.com/timepoint-ai/proteus-sub001/internal/pipeline"
	"github.com/timepoint-ai/proteus-sub001/internal/server"
	"github.com/timepoint-ai/proteus-sub001/internal/server/handler"
	"github.com/timepoint-ai/proteus-sub001/internal/server/ws"
	"github.com/timepoint-ai/proteus-sub001/internal/service"
	"github.com/timepoint-ai/proteus-sub001/internal/treasury"
)

// ServeMode runs the settlement core behind the HTTP and WebSocket API, with
// the stalled-market sweeper alongside.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	svc := a.buildSettlement(deps)
	a.startSweeper(ctx, g, deps, svc)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}

	return g.Wait()
}

// MonitorMode consumes settlement events from the bus and forwards them to
// the configured notification channels. It holds no market state and places
// no value at risk.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	watcher := notify.NewWatcher(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		return watcher.Run(ctx)
	})

	return g.Wait()
}

// ArchiveMode runs the retention archiver on its schedule, exporting settled
// history from the database to blob storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archiver requires both postgres and s3")
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// FullMode starts all subsystems: the settlement API, the sweeper, the event
// watcher, and the retention archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	svc := a.buildSettlement(deps)
	a.startSweeper(ctx, g, deps, svc)

	watcher := notify.NewWatcher(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		return watcher.Run(ctx)
	})

	if deps.Archiver != nil {
		a.startArchiver(ctx, g, deps)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}

	return g.Wait()
}

// buildSettlement assembles the settlement core from configuration: the
// in-process money rail, the authoritative ledger, the consensus oracle, the
// fee distributor, and the market state machine, all behind the service
// façade.
func (a *App) buildSettlement(deps *Dependencies) *service.Settlement {
	bank := treasury.NewBank()

	led := ledger.New(ledger.Params{
		MinDuration:  a.cfg.Market.MinDuration.Duration,
		MaxDuration:  a.cfg.Market.MaxDuration.Duration,
		SafetyMargin: a.cfg.Market.SafetyMargin.Duration,
		MinStake:     a.cfg.Market.MinStake(),
	})

	orc := oracle.New(oracle.Config{
		MinReporters: a.cfg.Oracle.MinReporters,
	}, deps.Registry, led, a.logger)

	dist := payout.New(payout.Config{
		Split: domain.FeeSplit{
			TotalBps:     a.cfg.Fees.TotalBps,
			ReporterBps:  a.cfg.Fees.ReporterBps,
			OperatorBps:  a.cfg.Fees.OperatorBps,
			CreatorBps:   a.cfg.Fees.CreatorBps,
			CommunityBps: a.cfg.Fees.CommunityBps,
		},
		CommunityAddr: common.HexToAddress(a.cfg.Fees.CommunityAddr),
	}, led, bank, bank, deps.Registry, orc, a.logger)

	sm := engine.New(engine.Config{
		MinSubmissions: a.cfg.Market.MinSubmissions,
		GracePeriod:    a.cfg.Market.GracePeriod.Duration,
		Owner:          common.HexToAddress(a.cfg.Operator.Address),
	}, led, bank, dist, a.logger)

	return service.New(service.Config{
		SubmitLimit:  a.cfg.Service.SubmitLimit,
		SubmitWindow: a.cfg.Service.SubmitWindow.Duration,
		AttestLimit:  a.cfg.Service.AttestLimit,
		AttestWindow: a.cfg.Service.AttestWindow.Duration,
		LockTTL:      a.cfg.Service.LockTTL.Duration,
	}, led, sm, orc, dist, a.logger).
		WithEscrow(bank).
		WithStores(service.Stores{
			Markets:     deps.MarketStore,
			Submissions: deps.SubmissionStore,
			Consensus:   deps.ConsensusStore,
			Payouts:     deps.PayoutStore,
			Audit:       deps.AuditStore,
		}).
		WithLocks(deps.LockManager).
		WithRateLimiter(deps.RateLimiter).
		WithBus(deps.SignalBus)
}

// startSweeper adds the stalled-market scan to the errgroup.
func (a *App) startSweeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.Settlement) {
	sweeper := pipeline.NewSweeper(svc, deps.Notifier, a.logger)
	g.Go(func() error {
		return sweeper.RunLoop(ctx, a.cfg.Service.SweepInterval.Duration)
	})
}

// startArchiver adds the retention archiver to the errgroup, on a cron
// schedule when configured and a daily interval otherwise.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	arch := pipeline.NewArchiver(deps.Archiver, deps.MarketStore, a.cfg.Service.ArchiveRetentionDays, a.logger)
	cron := a.cfg.Service.ArchiveCron
	g.Go(func() error {
		if cron != "" {
			return arch.RunCron(ctx, cron)
		}
		return arch.RunLoop(ctx, 24*time.Hour)
	})
}

// startHTTPServer adds the API server and the WebSocket hub to the errgroup.
// The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.Settlement) {
	checks := make(map[string]handler.HealthCheckFn, len(deps.HealthChecks))
	for name, fn := range deps.HealthChecks {
		checks[name] = fn
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, a.cfg.Mode)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		Limiter:       deps.RateLimiter,
		RequestLimit:  a.cfg.Server.RequestLimit,
		RequestWindow: a.cfg.Server.RequestWindow.Duration,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(checks, a.logger),
		Markets:    handler.NewMarketHandler(svc, deps.MarketStore, a.logger),
		Settlement: handler.NewSettlementHandler(svc, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
