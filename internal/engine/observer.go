package engine

import (
	"context"

	"go.uber.org/zap"

	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

// TypeObserver is a data-only engine: it consumes snapshots and logs them
// without ever touching the execution path. Useful for dry runs and for
// keeping a pair's feed warm.
const TypeObserver = "observer"

type observerEngine struct {
	name string
	pair string
	log  *zap.Logger
}

func newObserverEngine(cfg db.StrategyConfig, deps Deps) (Engine, error) {
	return &observerEngine{
		name: cfg.Name,
		pair: cfg.Pair,
		log:  deps.Log,
	}, nil
}

func (e *observerEngine) Name() string { return e.name }

func (e *observerEngine) Tick(ctx context.Context, snap *exchange.Snapshot) error {
	if snap == nil {
		return nil
	}
	e.log.Debug("observed book",
		zap.String("strategy", e.name),
		zap.String("pair", snap.Pair),
		zap.Float64("bid", snap.Bid),
		zap.Float64("ask", snap.Ask))
	return nil
}

func (e *observerEngine) ApplyParams(params map[string]float64) error { return nil }

func (e *observerEngine) ActiveOrders(ctx context.Context) []exchange.OpenOrder { return nil }

func (e *observerEngine) Stop(ctx context.Context) {}
