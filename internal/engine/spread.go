package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

// TypeSpread is the built-in two-sided quoting engine.
const TypeSpread = "spread"

// BlockedOrder is the payload published on EventOrderBlocked.
type BlockedOrder struct {
	Strategy string  `json:"strategy"`
	Pair     string  `json:"pair"`
	Side     string  `json:"side"`
	Notional float64 `json:"notional"`
	Reason   string  `json:"reason"`
}

// spreadEngine quotes both sides of the book around mid price. Each tick it
// replaces its previous quotes rather than managing fills order by order.
type spreadEngine struct {
	name string
	pair string
	deps Deps

	mu          sync.Mutex
	spreadPct   float64
	orderAmount float64
	leverage    int
}

func newSpreadEngine(cfg db.StrategyConfig, deps Deps) (Engine, error) {
	e := &spreadEngine{
		name: cfg.Name,
		pair: cfg.Pair,
		deps: deps,
	}
	if err := e.setParams(cfg.Params); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *spreadEngine) Name() string { return e.name }

func (e *spreadEngine) setParams(params map[string]float64) error {
	spread := params[db.ParamSpreadPct]
	amount := params[db.ParamOrderAmount]
	if spread <= 0 {
		return fmt.Errorf("strategy %s: %s must be positive", e.name, db.ParamSpreadPct)
	}
	if amount <= 0 {
		return fmt.Errorf("strategy %s: %s must be positive", e.name, db.ParamOrderAmount)
	}
	e.mu.Lock()
	e.spreadPct = spread
	e.orderAmount = amount
	e.leverage = int(params[db.ParamLeverage])
	e.mu.Unlock()
	return nil
}

// ApplyParams adjusts quoting parameters in place. Leverage changes affect
// margin state on the venue side and need a fresh engine.
func (e *spreadEngine) ApplyParams(params map[string]float64) error {
	e.mu.Lock()
	prevLeverage := e.leverage
	e.mu.Unlock()
	if int(params[db.ParamLeverage]) != prevLeverage {
		return ErrRestartRequired
	}
	return e.setParams(params)
}

func (e *spreadEngine) Tick(ctx context.Context, snap *exchange.Snapshot) error {
	if snap == nil || snap.Mid <= 0 {
		return nil
	}
	if !e.deps.Orders.CanTrade() {
		e.deps.Log.Debug("quote skipped, execution disabled", zap.String("strategy", e.name))
		return nil
	}

	e.mu.Lock()
	spread := e.spreadPct
	amount := e.orderAmount
	leverage := e.leverage
	e.mu.Unlock()

	if _, err := e.deps.Orders.CancelOpenOrders(ctx, e.pair); err != nil && !errors.Is(err, connector.ErrNoTrading) {
		return fmt.Errorf("cancel quotes %s: %w", e.pair, err)
	}

	half := spread / 2 / 100
	bidPrice := roundPrice(snap.Mid * (1 - half))
	askPrice := roundPrice(snap.Mid * (1 + half))

	var firstErr error
	for _, quote := range []struct {
		side  exchange.Side
		price float64
	}{
		{exchange.SideBuy, bidPrice},
		{exchange.SideSell, askPrice},
	} {
		qty := amount / quote.price
		if err := e.placeQuote(ctx, quote.side, qty, quote.price, leverage); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *spreadEngine) placeQuote(ctx context.Context, side exchange.Side, qty, price float64, leverage int) error {
	candidate := OrderCandidate{
		Pair:     e.pair,
		Side:     side,
		Qty:      qty,
		Price:    price,
		Notional: qty * price,
	}
	if blocked, reason := e.deps.Risk.ShouldBlockOrder(candidate, e.name); blocked {
		e.deps.Log.Warn("order blocked by risk limits",
			zap.String("strategy", e.name),
			zap.String("pair", e.pair),
			zap.String("side", string(side)),
			zap.Float64("notional", candidate.Notional),
			zap.String("reason", reason))
		e.deps.Bus.Publish(events.EventOrderBlocked, BlockedOrder{
			Strategy: e.name,
			Pair:     e.pair,
			Side:     string(side),
			Notional: candidate.Notional,
			Reason:   reason,
		})
		return nil
	}

	res, err := e.deps.Orders.PlaceOrder(ctx, exchange.OrderRequest{
		Pair:     e.pair,
		Side:     side,
		Type:     exchange.OrderTypeLimit,
		Qty:      qty,
		Price:    price,
		Leverage: leverage,
	})
	if err != nil {
		if errors.Is(err, connector.ErrNoTrading) {
			return nil
		}
		return err
	}
	e.deps.Metrics.IncrementOrders()
	e.deps.Bus.Publish(events.EventOrderPlaced, res)
	e.deps.Log.Debug("quote placed",
		zap.String("strategy", e.name),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.Float64("qty", qty))
	return nil
}

func (e *spreadEngine) ActiveOrders(ctx context.Context) []exchange.OpenOrder {
	orders, err := e.deps.Orders.OpenOrders(ctx, e.pair)
	if err != nil {
		e.deps.Log.Debug("active orders unavailable",
			zap.String("strategy", e.name), zap.Error(err))
		return nil
	}
	return orders
}

func (e *spreadEngine) Stop(ctx context.Context) {}

// roundPrice trims quote prices to a uniform precision so replaced quotes do
// not oscillate on float noise.
func roundPrice(p float64) float64 {
	return math.Round(p*1e4) / 1e4
}
