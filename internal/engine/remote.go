package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

// TypeRemote delegates decision making to an external engine process over
// gRPC. The orchestrator stays the single execution path: the remote side
// returns intents, never places orders itself.
const TypeRemote = "remote"

const remoteTickMethod = "/orchestrator.v1.StrategyEngine/Tick"

type remoteEngine struct {
	name string
	pair string
	deps Deps
	conn *grpc.ClientConn

	mu     sync.Mutex
	params map[string]float64
}

func newRemoteEngine(cfg db.StrategyConfig, deps Deps) (Engine, error) {
	if deps.RemoteAddr == "" {
		return nil, errors.New("remote engine type requires REMOTE_ENGINE_ADDR")
	}
	conn, err := grpc.NewClient(deps.RemoteAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial remote engine %s: %w", deps.RemoteAddr, err)
	}
	params := make(map[string]float64, len(cfg.Params))
	maps.Copy(params, cfg.Params)
	return &remoteEngine{
		name:   cfg.Name,
		pair:   cfg.Pair,
		deps:   deps,
		conn:   conn,
		params: params,
	}, nil
}

func (e *remoteEngine) Name() string { return e.name }

// ApplyParams takes effect on the next tick; the full parameter set is sent
// with every request.
func (e *remoteEngine) ApplyParams(params map[string]float64) error {
	next := make(map[string]float64, len(params))
	maps.Copy(next, params)
	e.mu.Lock()
	e.params = next
	e.mu.Unlock()
	return nil
}

func (e *remoteEngine) Tick(ctx context.Context, snap *exchange.Snapshot) error {
	if snap == nil {
		return nil
	}

	e.mu.Lock()
	paramFields := make(map[string]any, len(e.params))
	for k, v := range e.params {
		paramFields[k] = v
	}
	e.mu.Unlock()

	req, err := structpb.NewStruct(map[string]any{
		"strategy": e.name,
		"pair":     e.pair,
		"bid":      snap.Bid,
		"ask":      snap.Ask,
		"mid":      snap.Mid,
		"params":   paramFields,
	})
	if err != nil {
		return fmt.Errorf("encode tick request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, remoteTickMethod, req, resp); err != nil {
		return fmt.Errorf("remote tick %s: %w", e.name, err)
	}
	return e.applyIntent(ctx, resp)
}

// applyIntent executes the remote decision through the same risk gate and
// gateway as local engines.
func (e *remoteEngine) applyIntent(ctx context.Context, resp *structpb.Struct) error {
	fields := resp.GetFields()
	action := fields["action"].GetStringValue()
	if action == "" || action == "none" {
		return nil
	}
	if action != "order" {
		return fmt.Errorf("remote engine %s returned unknown action %q", e.name, action)
	}

	side := exchange.Side(fields["side"].GetStringValue())
	if side != exchange.SideBuy && side != exchange.SideSell {
		return fmt.Errorf("remote engine %s returned invalid side %q", e.name, side)
	}
	qty := fields["qty"].GetNumberValue()
	price := fields["price"].GetNumberValue()
	if qty <= 0 {
		return fmt.Errorf("remote engine %s returned non-positive qty", e.name)
	}

	candidate := OrderCandidate{
		Pair:     e.pair,
		Side:     side,
		Qty:      qty,
		Price:    price,
		Notional: qty * price,
	}
	if blocked, reason := e.deps.Risk.ShouldBlockOrder(candidate, e.name); blocked {
		e.deps.Log.Warn("remote order blocked by risk limits",
			zap.String("strategy", e.name), zap.String("reason", reason))
		e.deps.Bus.Publish(events.EventOrderBlocked, BlockedOrder{
			Strategy: e.name,
			Pair:     e.pair,
			Side:     string(side),
			Notional: candidate.Notional,
			Reason:   reason,
		})
		return nil
	}

	orderType := exchange.OrderTypeLimit
	if price <= 0 {
		orderType = exchange.OrderTypeMarket
	}
	res, err := e.deps.Orders.PlaceOrder(ctx, exchange.OrderRequest{
		Pair:  e.pair,
		Side:  side,
		Type:  orderType,
		Qty:   qty,
		Price: price,
	})
	if err != nil {
		if errors.Is(err, connector.ErrNoTrading) {
			return nil
		}
		return err
	}
	e.deps.Metrics.IncrementOrders()
	e.deps.Bus.Publish(events.EventOrderPlaced, res)
	return nil
}

func (e *remoteEngine) ActiveOrders(ctx context.Context) []exchange.OpenOrder {
	orders, err := e.deps.Orders.OpenOrders(ctx, e.pair)
	if err != nil {
		return nil
	}
	return orders
}

func (e *remoteEngine) Stop(ctx context.Context) {
	if err := e.conn.Close(); err != nil {
		e.deps.Log.Warn("remote engine connection close failed",
			zap.String("strategy", e.name), zap.Error(err))
	}
}
