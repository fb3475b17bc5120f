package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/internal/monitor"
	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

type stubGate struct {
	block  bool
	reason string
}

func (g stubGate) ShouldBlockOrder(OrderCandidate, string) (bool, string) {
	return g.block, g.reason
}

func spreadConfig() db.StrategyConfig {
	return db.StrategyConfig{
		Name:       "maker",
		Venue:      "mock",
		Pair:       "BTC-USD",
		EngineType: TypeSpread,
		Params: map[string]float64{
			db.ParamRefreshInterval: 5,
			db.ParamSpreadPct:       1,
			db.ParamOrderAmount:     100,
		},
	}
}

func newSpreadEnv(t *testing.T, gate RiskGate) (Engine, *connector.Manager) {
	t.Helper()
	log := zap.NewNop()

	venue := exchange.NewMock("USD", 10000)
	conn := connector.New(venue, log)
	creds := exchange.Credentials{APIKey: "k", APISecret: "s"}
	if err := conn.Initialize(context.Background(), []string{"BTC-USD"}, creds, true); err != nil {
		t.Fatalf("init connector: %v", err)
	}
	venue.SetBook("BTC-USD", 99.5, 100.5)

	deps := Deps{
		Orders:  conn,
		Risk:    gate,
		Bus:     events.NewBus(),
		Metrics: monitor.NewMetrics(),
		Log:     log,
	}
	eng, err := New(spreadConfig(), deps)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return eng, conn
}

func TestSpreadQuotesBothSides(t *testing.T) {
	eng, conn := newSpreadEnv(t, stubGate{})
	ctx := context.Background()

	snap := &exchange.Snapshot{Pair: "BTC-USD", Bid: 99.5, Ask: 100.5, Mid: 100, Time: time.Now()}
	if err := eng.Tick(ctx, snap); err != nil {
		t.Fatalf("tick: %v", err)
	}

	orders, err := conn.OpenOrders(ctx, "BTC-USD")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(orders))
	}
	for _, o := range orders {
		switch o.Side {
		case exchange.SideBuy:
			if o.Price != 99.5 {
				t.Fatalf("bid price = %v, want 99.5 for 1%% spread around 100", o.Price)
			}
		case exchange.SideSell:
			if o.Price != 100.5 {
				t.Fatalf("ask price = %v, want 100.5", o.Price)
			}
		}
		if o.Qty <= 0 {
			t.Fatalf("non-positive qty: %+v", o)
		}
	}
}

func TestSpreadReplacesQuotesEachTick(t *testing.T) {
	eng, conn := newSpreadEnv(t, stubGate{})
	ctx := context.Background()

	snap := &exchange.Snapshot{Pair: "BTC-USD", Bid: 99.5, Ask: 100.5, Mid: 100, Time: time.Now()}
	if err := eng.Tick(ctx, snap); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := eng.Tick(ctx, snap); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	orders, err := conn.OpenOrders(ctx, "BTC-USD")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("quotes must be replaced, not stacked: got %d", len(orders))
	}
}

func TestSpreadSkipsNilSnapshot(t *testing.T) {
	eng, conn := newSpreadEnv(t, stubGate{})
	ctx := context.Background()

	if err := eng.Tick(ctx, nil); err != nil {
		t.Fatalf("nil snapshot must be a skip: %v", err)
	}
	orders, _ := conn.OpenOrders(ctx, "BTC-USD")
	if len(orders) != 0 {
		t.Fatalf("no orders expected, got %d", len(orders))
	}
}

func TestSpreadBlockedByRiskGate(t *testing.T) {
	eng, conn := newSpreadEnv(t, stubGate{block: true, reason: "order size 100.00 exceeds limit 50.00"})
	ctx := context.Background()

	snap := &exchange.Snapshot{Pair: "BTC-USD", Bid: 99.5, Ask: 100.5, Mid: 100, Time: time.Now()}
	if err := eng.Tick(ctx, snap); err != nil {
		t.Fatalf("blocked tick must not error: %v", err)
	}
	orders, _ := conn.OpenOrders(ctx, "BTC-USD")
	if len(orders) != 0 {
		t.Fatalf("blocked orders must not reach the venue, got %d", len(orders))
	}
}

func TestSpreadBlockedOrderPublished(t *testing.T) {
	log := zap.NewNop()
	venue := exchange.NewMock("USD", 10000)
	conn := connector.New(venue, log)
	creds := exchange.Credentials{APIKey: "k", APISecret: "s"}
	if err := conn.Initialize(context.Background(), []string{"BTC-USD"}, creds, true); err != nil {
		t.Fatalf("init connector: %v", err)
	}

	bus := events.NewBus()
	blocked, unsub := bus.Subscribe(events.EventOrderBlocked, 4)
	defer unsub()

	deps := Deps{
		Orders:  conn,
		Risk:    stubGate{block: true, reason: "too big"},
		Bus:     bus,
		Metrics: monitor.NewMetrics(),
		Log:     log,
	}
	eng, err := New(spreadConfig(), deps)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	snap := &exchange.Snapshot{Pair: "BTC-USD", Bid: 99.5, Ask: 100.5, Mid: 100, Time: time.Now()}
	if err := eng.Tick(context.Background(), snap); err != nil {
		t.Fatalf("tick: %v", err)
	}

	select {
	case payload := <-blocked:
		ev, ok := payload.(BlockedOrder)
		if !ok {
			t.Fatalf("unexpected payload type %T", payload)
		}
		if ev.Strategy != "maker" || ev.Reason != "too big" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a blocked-order event")
	}
}

func TestSpreadApplyParams(t *testing.T) {
	eng, _ := newSpreadEnv(t, stubGate{})

	err := eng.ApplyParams(map[string]float64{
		db.ParamRefreshInterval: 5,
		db.ParamSpreadPct:       0.5,
		db.ParamOrderAmount:     200,
	})
	if err != nil {
		t.Fatalf("live param change: %v", err)
	}

	err = eng.ApplyParams(map[string]float64{
		db.ParamRefreshInterval: 5,
		db.ParamSpreadPct:       0.5,
		db.ParamOrderAmount:     200,
		db.ParamLeverage:        5,
	})
	if !errors.Is(err, ErrRestartRequired) {
		t.Fatalf("leverage change must require restart, got %v", err)
	}

	err = eng.ApplyParams(map[string]float64{db.ParamSpreadPct: -1, db.ParamOrderAmount: 10})
	if err == nil {
		t.Fatal("negative spread must be rejected")
	}
}

func TestFactoryUnknownType(t *testing.T) {
	cfg := spreadConfig()
	cfg.EngineType = "does-not-exist"
	_, err := New(cfg, Deps{Log: zap.NewNop()})
	if !errors.Is(err, ErrUnknownEngineType) {
		t.Fatalf("expected ErrUnknownEngineType, got %v", err)
	}
}

func TestRemoteRequiresAddr(t *testing.T) {
	cfg := spreadConfig()
	cfg.EngineType = TypeRemote
	_, err := New(cfg, Deps{Log: zap.NewNop()})
	if err == nil {
		t.Fatal("remote engine without endpoint must fail")
	}
}
