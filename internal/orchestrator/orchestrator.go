// Package orchestrator assembles the components and owns their lifecycle:
// one connector, one registry, one coordination loop, and the background
// tasks around them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"strategy-orchestrator/internal/api"
	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/engine"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/internal/monitor"
	"strategy-orchestrator/internal/registry"
	"strategy-orchestrator/internal/risk"
	"strategy-orchestrator/internal/scheduler"
	"strategy-orchestrator/internal/syncer"
	"strategy-orchestrator/internal/tracker"
	"strategy-orchestrator/pkg/config"
	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

// Version is stamped at build time.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

// Orchestrator owns every long-lived component.
type Orchestrator struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *db.Store
	bus     *events.Bus
	metrics *monitor.Metrics
	conn    *connector.Manager
	reg     *registry.Registry
	riskMgr *risk.Manager
	tracker *tracker.Tracker
	syncer  *syncer.Syncer
	loop    *scheduler.Loop
	server  *api.Server
	httpSrv *http.Server

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New wires all components without starting anything.
func New(cfg *config.Config, log *zap.Logger) (*Orchestrator, error) {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	venue := buildVenue(cfg, log)
	conn := connector.New(venue, log.Named("connector"))

	riskMgr := risk.NewManager(conn, bus, risk.Limits{
		MinQuoteBalance:     cfg.MinQuoteBalance,
		MaxNetExposurePct:   cfg.MaxNetExposurePct,
		MaxGrossExposurePct: cfg.MaxGrossExposurePct,
		MaxDrawdownPct:      cfg.MaxDrawdownPct,
		MaxOrderSizePct:     cfg.MaxOrderSizePct,
		MaxOpenOrders:       cfg.MaxOpenOrders,
		MaxStrategies:       cfg.MaxStrategies,
	}, cfg.QuoteAsset, cfg.RiskInterval, log.Named("risk"))

	deps := engine.Deps{
		Orders:     conn,
		Risk:       riskMgr,
		Bus:        bus,
		Metrics:    metrics,
		Log:        log.Named("engine"),
		RemoteAddr: cfg.RemoteEngineAddr,
	}
	reg := registry.New(store, conn, bus, deps, cfg.MaxStrategies, log.Named("registry"))
	riskMgr.SetStrategyCounter(reg.Count)

	trk := tracker.New(conn, store, reg, bus, metrics, cfg.TrackerInterval, cfg.SnapshotTTL, log.Named("tracker"))
	syn := syncer.New(store, reg, conn, metrics, cfg.SyncInterval, cfg.HeartbeatInterval, cfg.ReportURL, log.Named("syncer"))

	loop := scheduler.New(cfg.TickInterval, cfg.HousekeepEvery, cfg.FallbackPair, reg, conn, riskMgr, metrics, log.Named("loop"))
	loop.AddTask("stale-orders", scheduler.StaleOrderTask(conn, reg, cfg.StaleOrderMaxAge, log.Named("loop")))
	loop.AddTask("runtime-mirror", syn.SyncOnce)

	meta := api.SystemMeta{
		Venue:          cfg.Venue,
		Pairs:          cfg.Pairs,
		TradingEnabled: cfg.TradingEnabled,
		MockVenue:      cfg.UseMockVenue,
		Version:        Version,
		StartedAt:      time.Now(),
	}
	server := api.NewServer(reg, trk, riskMgr, loop, conn, metrics, bus, meta, cfg.AuthSecret, log.Named("api"))

	return &Orchestrator{
		cfg:     cfg,
		log:     log,
		store:   store,
		bus:     bus,
		metrics: metrics,
		conn:    conn,
		reg:     reg,
		riskMgr: riskMgr,
		tracker: trk,
		syncer:  syn,
		loop:    loop,
		server:  server,
	}, nil
}

func buildVenue(cfg *config.Config, log *zap.Logger) exchange.Venue {
	if cfg.UseMockVenue {
		m := exchange.NewMock(cfg.QuoteAsset, cfg.MockQuoteBalance)
		m.Interval = 500 * time.Millisecond
		return m
	}
	return exchange.NewLive(exchange.LiveConfig{
		Name:      cfg.Venue,
		StreamURL: cfg.StreamURL,
		RestURL:   cfg.RestURL,
		Credentials: exchange.Credentials{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		},
	}, log.Named("venue"))
}

// Start initializes the connector, restores persisted strategies, and
// launches the background goroutines plus the HTTP server. It returns once
// everything is running.
func (o *Orchestrator) Start(ctx context.Context) error {
	creds := exchange.Credentials{APIKey: o.cfg.APIKey, APISecret: o.cfg.APISecret}
	if o.cfg.UseMockVenue && creds.Empty() {
		// The mock venue needs no real credentials; keep execution enabled.
		creds = exchange.Credentials{APIKey: "mock", APISecret: "mock"}
	}
	if err := o.conn.Initialize(ctx, o.cfg.Pairs, creds, o.cfg.TradingEnabled); err != nil {
		return fmt.Errorf("initialize connector: %w", err)
	}

	if err := o.reg.RestoreFromStore(ctx); err != nil {
		o.log.Warn("strategy restore incomplete", zap.Error(err))
	}
	if o.cfg.SeedStrategiesPath != "" {
		if err := o.reg.SeedFromFile(ctx, o.cfg.SeedStrategiesPath); err != nil {
			o.log.Warn("strategy seeding incomplete", zap.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.wg.Go(func() { o.loop.Run(runCtx) })
	o.wg.Go(func() { o.tracker.Run(runCtx) })
	o.wg.Go(func() { o.syncer.Run(runCtx) })

	o.httpSrv = &http.Server{
		Addr:    ":" + o.cfg.Port,
		Handler: o.server.Router,
	}
	o.wg.Go(func() {
		if err := o.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.log.Error("http server failed", zap.Error(err))
		}
	})

	o.log.Info("orchestrator started",
		zap.String("port", o.cfg.Port),
		zap.String("venue", o.cfg.Venue),
		zap.Bool("mock", o.cfg.UseMockVenue),
		zap.Bool("trading_enabled", o.cfg.TradingEnabled),
		zap.Int("strategies", o.reg.Count()))
	return nil
}

// Stop shuts components down in dependency order: HTTP first so no new
// mutations arrive, then the loops, then the connector and store. Bounded by
// shutdownTimeout.
func (o *Orchestrator) Stop() {
	o.log.Info("shutting down")

	if o.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := o.httpSrv.Shutdown(shutdownCtx); err != nil {
			o.log.Warn("http shutdown failed", zap.Error(err))
		}
		cancel()
	}

	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		o.log.Warn("background tasks did not stop in time")
	}

	if err := o.conn.Close(); err != nil {
		o.log.Warn("connector close failed", zap.Error(err))
	}
	if err := o.store.Close(); err != nil {
		o.log.Warn("store close failed", zap.Error(err))
	}
	o.log.Info("shutdown complete")
}
