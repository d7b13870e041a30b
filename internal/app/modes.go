package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/futarchyfi/condamm/internal/engine"
	"github.com/futarchyfi/condamm/internal/server"
	"github.com/futarchyfi/condamm/internal/server/handler"
	"github.com/futarchyfi/condamm/internal/server/ws"
	"github.com/futarchyfi/condamm/internal/service"
)

// marketDefaults maps the configured engine defaults onto a MarketConfig.
// Per-market create requests override the fee and launch schedule.
func (a *App) marketDefaults() engine.MarketConfig {
	return engine.MarketConfig{
		FeeBps:              a.cfg.Engine.FeeBps,
		ProtocolFeeShareBps: a.cfg.Engine.ProtocolFeeShareBps,
		MinLiquidity:        a.cfg.Engine.MinLiquidity,
		RatioToleranceBps:   a.cfg.Engine.RatioToleranceBps,
		PriceCeiling:        a.cfg.Engine.PriceCeiling,
	}
}

// buildServices constructs the market and trade services shared by the
// engine, server, and full modes.
func (a *App) buildServices(deps *Dependencies) (*service.MarketService, *service.TradeService) {
	marketSvc := service.NewMarketService(service.MarketServiceDeps{
		Engine:   deps.Engine,
		Defaults: a.marketDefaults(),
		Markets:  deps.MarketStore,
		Bus:      deps.SignalBus,
		Audit:    deps.AuditStore,
		Locks:    deps.LockManager,
		Notifier: deps.Notifier,
		Signer:   deps.Signer,
		Archiver: deps.Archiver,
		Logger:   a.logger,
	})
	tradeSvc := service.NewTradeService(
		deps.Engine,
		deps.JournalStore,
		deps.PriceCache,
		deps.SignalBus,
		deps.Notifier,
		a.logger,
	)
	return marketSvc, tradeSvc
}

// startSnapshots adds the periodic pool-snapshot goroutine to the group.
func (a *App) startSnapshots(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	snapSvc := service.NewSnapshotService(
		deps.Engine,
		deps.SnapshotStore,
		a.cfg.Engine.SnapshotInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return snapSvc.Run(ctx)
	})
}

// startArchive adds the periodic journal-archival goroutine to the group.
// It is a no-op when archiving is disabled or no archiver is wired.
func (a *App) startArchive(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		return
	}
	archSvc := service.NewArchiveService(
		deps.Archiver,
		a.cfg.Archive.RetentionDays,
		a.cfg.Archive.Interval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return archSvc.Run(ctx)
	})
}

// EngineMode runs the AMM engine headless: snapshot persistence and optional
// archival, without the HTTP API. Useful when another process drives the
// engine through the signal bus.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startSnapshots(ctx, g, deps)
	a.startArchive(ctx, g, deps)

	return g.Wait()
}

// ServerMode runs the engine behind the HTTP + WebSocket API without the
// background archival loop.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	marketSvc, tradeSvc := a.buildServices(deps)
	a.startSnapshots(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, marketSvc, tradeSvc)

	return g.Wait()
}

// ArchiveMode runs only the journal-archival loop. It requires object
// storage and is typically deployed as a sidecar on a cron-like schedule.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: no archiver wired; check s3 configuration")
	}

	g, ctx := errgroup.WithContext(ctx)

	archSvc := service.NewArchiveService(
		deps.Archiver,
		a.cfg.Archive.RetentionDays,
		a.cfg.Archive.Interval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return archSvc.Run(ctx)
	})

	return g.Wait()
}

// FullMode runs everything: the engine, the HTTP + WebSocket API, snapshot
// persistence, and archival when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	marketSvc, tradeSvc := a.buildServices(deps)
	a.startSnapshots(ctx, g, deps)
	a.startArchive(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, marketSvc, tradeSvc)
	}

	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	marketSvc *service.MarketService,
	tradeSvc *service.TradeService,
) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.logger),
		Markets: handler.NewMarketHandler(marketSvc, deps.SnapshotStore, a.logger),
		Trades:  handler.NewTradeHandler(tradeSvc, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			a.logger.Warn("http server shutdown failed",
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
}
