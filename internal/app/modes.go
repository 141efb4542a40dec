package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyguard/internal/feed"
	"github.com/alanyoungcy/polyguard/internal/platform/polymarket"
	"github.com/alanyoungcy/polyguard/internal/server"
	"github.com/alanyoungcy/polyguard/internal/server/handler"
	"github.com/alanyoungcy/polyguard/internal/server/ws"
	"github.com/alanyoungcy/polyguard/internal/service"
)

const (
	feedRefresh     = 30 * time.Second
	feedSinkTimeout = 2 * time.Second
	shutdownTimeout = 10 * time.Second
)

// services is the risk engine built on top of Dependencies.
type services struct {
	events    *service.Recorder
	markets   *service.Reconciler
	prices    *service.PriceFeed
	tp        *service.TakeProfitManager
	sync      *service.SyncService
	trading   *service.TradingService
	monitor   *service.StopLossMonitor
	scheduler *service.OrderSyncScheduler
	catalog   *service.CatalogSync
	archive   *service.ArchiveJob
}

func (a *App) buildServices(deps *Dependencies) *services {
	cfg := a.cfg
	s := &services{}

	s.events = service.NewRecorder(deps.AuditStore, deps.EventBus, deps.Notifier, a.logger)
	s.markets = service.NewReconciler(deps.MappingStore, deps.MarketCache, deps.Gamma, cfg.Polymarket.NegRisk, a.logger)
	s.prices = service.NewPriceFeed(deps.PriceCache, deps.Executor,
		cfg.StopLoss.Staleness.Duration, cfg.Polymarket.PriceTimeout.Duration, a.logger)

	s.tp = service.NewTakeProfitManager(
		deps.TakeProfitStore, deps.StopLossStore, deps.OrderStore, deps.PositionStore,
		deps.Executor, s.markets, deps.LockManager, s.events, a.logger,
	)
	s.sync = service.NewSyncService(
		deps.PositionStore, deps.OrderStore, deps.Executor, deps.Data, deps.Vault,
		s.markets, s.tp, s.events, a.logger,
	)
	s.trading = service.NewTradingService(
		deps.PositionStore, deps.OrderStore, deps.StopLossStore, deps.TakeProfitStore,
		deps.Executor, s.tp, s.sync, s.markets, deps.Vault, s.events, a.logger,
	)
	s.monitor = service.NewStopLossMonitor(
		deps.StopLossStore, deps.PositionStore, s.prices, deps.Executor, deps.Data, deps.Vault,
		s.markets, deps.LockManager, s.events, s.tp,
		service.MonitorConfig{
			Interval:    cfg.StopLoss.Interval.Duration,
			Staleness:   cfg.StopLoss.Staleness.Duration,
			MaxFailures: cfg.StopLoss.MaxFailures,
			CycleLease:  cfg.StopLoss.CycleLease.Duration,
		},
		a.logger,
	)
	s.scheduler = service.NewOrderSyncScheduler(s.sync, deps.TakeProfitStore, deps.StopLossStore,
		cfg.Sync.OrderInterval.Duration, a.logger)
	s.catalog = service.NewCatalogSync(deps.Gamma, s.markets, deps.Executor,
		cfg.Sync.CatalogInterval.Duration, cfg.Sync.CatalogPages, a.logger)
	if deps.Archiver != nil {
		s.archive = service.NewArchiveJob(deps.Archiver, cfg.Archive.RetainDays, cfg.Archive.Interval.Duration, a.logger)
	}
	return s
}

// APIMode serves the HTTP API and the per-user event stream. Background
// monitoring runs elsewhere.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")
	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	g.Go(func() error { return deps.Executor.Run(ctx) })
	if err := a.startHTTPServer(ctx, g, deps, svc); err != nil {
		return err
	}
	return g.Wait()
}

// MonitorMode runs the stop-loss monitor and the jobs feeding it: the price
// feed, catalog and order sync, and archival.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	g.Go(func() error { return deps.Executor.Run(ctx) })
	a.startMonitoring(ctx, g, deps, svc)
	return g.Wait()
}

// FullMode runs the API and the monitor in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	g.Go(func() error { return deps.Executor.Run(ctx) })
	a.startMonitoring(ctx, g, deps, svc)
	if a.cfg.Server.Enabled {
		if err := a.startHTTPServer(ctx, g, deps, svc); err != nil {
			return err
		}
	}
	return g.Wait()
}

func (a *App) startMonitoring(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	if a.cfg.Polymarket.WsHost != "" {
		stream := polymarket.NewWSClient(a.cfg.Polymarket.WsHost, a.logger)
		sink := feed.NewCacheFeeder(deps.PriceCache, feedSinkTimeout, a.logger)
		wsFeed := feed.NewPolymarketWSFeed(stream, deps.StopLossStore, sink, feedRefresh, a.logger)
		g.Go(func() error {
			// The monitor falls back to venue reads, so a dead feed is not fatal.
			if err := wsFeed.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "price feed stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	g.Go(func() error { return svc.catalog.Run(ctx) })
	g.Go(func() error { return svc.monitor.Run(ctx) })
	g.Go(func() error { return svc.scheduler.Run(ctx) })
	if svc.archive != nil {
		g.Go(func() error { return svc.archive.Run(ctx) })
	}
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) error {
	sc := a.cfg.Server

	hub := ws.NewHub(deps.EventBus, sc.CORSOrigins, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv, err := server.NewServer(server.Config{
		Port:         sc.Port,
		JWTSecret:    sc.JWTSecret,
		CORSOrigins:  sc.CORSOrigins,
		RateLimit:    sc.RateLimit,
		RateWindow:   sc.RateWindow.Duration,
		ReadTimeout:  sc.ReadTimeout.Duration,
		WriteTimeout: sc.WriteTimeout.Duration,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(deps.Health, a.logger),
		Positions:   handler.NewPositionHandler(svc.trading, a.logger),
		Orders:      handler.NewOrderHandler(svc.trading, a.logger),
		Sync:        handler.NewSyncHandler(svc.trading, a.logger),
		Credentials: handler.NewCredentialHandler(svc.trading, a.logger),
	}, hub, deps.RateLimiter, a.logger)
	if err != nil {
		return fmt.Errorf("app: http server: %w", err)
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}
