package risk

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/engine"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/pkg/exchange"
)

func newTestManager(t *testing.T, limits Limits, quoteBalance float64) (*Manager, *exchange.MockVenue) {
	t.Helper()
	log := zap.NewNop()

	venue := exchange.NewMock("USD", quoteBalance)
	conn := connector.New(venue, log)
	creds := exchange.Credentials{APIKey: "k", APISecret: "s"}
	if err := conn.Initialize(context.Background(), []string{"BTC-USD"}, creds, true); err != nil {
		t.Fatalf("init connector: %v", err)
	}

	m := NewManager(conn, events.NewBus(), limits, "USD", time.Millisecond, log)
	return m, venue
}

func candidate(notional float64) engine.OrderCandidate {
	return engine.OrderCandidate{
		Pair:     "BTC-USD",
		Side:     exchange.SideBuy,
		Qty:      notional / 100,
		Price:    100,
		Notional: notional,
	}
}

func TestOrderSizeLimit(t *testing.T) {
	m, _ := newTestManager(t, Limits{MaxOrderSizePct: 10}, 10000)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	blocked, reason := m.ShouldBlockOrder(candidate(1500), "maker")
	if !blocked {
		t.Fatal("1500 order on a 10000 portfolio with 10% cap must be blocked")
	}
	if !strings.Contains(reason, "exceeds limit") {
		t.Fatalf("reason must explain the limit, got %q", reason)
	}

	blocked, reason = m.ShouldBlockOrder(candidate(900), "maker")
	if blocked {
		t.Fatalf("900 order must be allowed, got blocked: %q", reason)
	}
}

func TestGrossExposureLimit(t *testing.T) {
	m, venue := newTestManager(t, Limits{MaxGrossExposurePct: 50}, 10000)
	if _, err := venue.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair: "BTC-USD", Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Qty: 40, Price: 100,
	}); err != nil {
		t.Fatalf("rest order: %v", err)
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Gross is already 4000 of a 5000 cap; 1500 more must be blocked.
	blocked, reason := m.ShouldBlockOrder(candidate(1500), "maker")
	if !blocked {
		t.Fatal("projected gross exposure over cap must be blocked")
	}
	if !strings.Contains(reason, "gross exposure") {
		t.Fatalf("unexpected reason: %q", reason)
	}

	if blocked, reason := m.ShouldBlockOrder(candidate(500), "maker"); blocked {
		t.Fatalf("order within gross cap blocked: %q", reason)
	}
}

func TestLowBalanceBlocksOrders(t *testing.T) {
	m, _ := newTestManager(t, Limits{MinQuoteBalance: 100}, 50)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	blocked, reason := m.ShouldBlockOrder(candidate(10), "maker")
	if !blocked {
		t.Fatal("orders must be blocked below the balance floor")
	}
	if !strings.Contains(reason, "below required minimum") {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestNoMetricsMeansNoBlock(t *testing.T) {
	m, _ := newTestManager(t, Limits{MaxOrderSizePct: 10}, 10000)
	// No Refresh yet.
	if blocked, reason := m.ShouldBlockOrder(candidate(999999), "maker"); blocked {
		t.Fatalf("cannot block before first refresh: %q", reason)
	}
}

func TestRefreshComputesExposure(t *testing.T) {
	m, venue := newTestManager(t, Limits{}, 10000)
	venue.SetPosition(exchange.Position{
		Pair: "BTC-USD", Side: exchange.SideSell, Qty: 10, MarkPrice: 100, UnrealizedPnL: -50,
	})
	if _, err := venue.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair: "BTC-USD", Side: exchange.SideSell, Type: exchange.OrderTypeLimit, Qty: 10, Price: 100,
	}); err != nil {
		t.Fatalf("rest order: %v", err)
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got := m.Metrics()
	if got.QuoteBalance != 10000 {
		t.Fatalf("quote balance = %v", got.QuoteBalance)
	}
	if got.GrossExposure != 1000 {
		t.Fatalf("gross exposure = %v, want 1000", got.GrossExposure)
	}
	if got.NetExposure != -1000 {
		t.Fatalf("net exposure = %v, want -1000 for a resting sell", got.NetExposure)
	}
	if got.OpenOrders != 1 {
		t.Fatalf("open orders = %d", got.OpenOrders)
	}
	if got.PortfolioValue != 9950 {
		t.Fatalf("portfolio = %v, want 9950 after -50 PnL", got.PortfolioValue)
	}
	if got.OpenPositions != 1 {
		t.Fatalf("open positions = %d", got.OpenPositions)
	}
}

func TestOpenOrderCountAlert(t *testing.T) {
	m, venue := newTestManager(t, Limits{MaxOpenOrders: 1}, 10000)
	for i := 0; i < 2; i++ {
		if _, err := venue.PlaceOrder(context.Background(), exchange.OrderRequest{
			Pair: "BTC-USD", Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Qty: 1, Price: 90,
		}); err != nil {
			t.Fatalf("rest order: %v", err)
		}
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	var found bool
	for _, a := range m.RecentAlerts() {
		if a.Code == alertOpenOrders {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an open-order count alert")
	}
}

func TestDrawdownAlertIsCritical(t *testing.T) {
	m, venue := newTestManager(t, Limits{MaxDrawdownPct: 20}, 10000)
	bus := m.bus
	alerts, unsub := bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Peak is 10000; a 3000 unrealized loss is a 30% drawdown.
	venue.SetPosition(exchange.Position{
		Pair: "BTC-USD", Side: exchange.SideBuy, Qty: 1, MarkPrice: 100, UnrealizedPnL: -3000,
	})
	time.Sleep(5 * time.Millisecond)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	var found bool
	for _, a := range m.RecentAlerts() {
		if a.Code == alertDrawdown {
			found = true
			if a.Level != AlertCritical {
				t.Fatalf("drawdown alert level = %s, want critical", a.Level)
			}
		}
	}
	if !found {
		t.Fatal("expected a drawdown alert")
	}
	select {
	case <-alerts:
	default:
		t.Fatal("alert not published on the bus")
	}
}

func TestRefreshThrottled(t *testing.T) {
	log := zap.NewNop()
	venue := exchange.NewMock("USD", 10000)
	conn := connector.New(venue, log)
	creds := exchange.Credentials{APIKey: "k", APISecret: "s"}
	if err := conn.Initialize(context.Background(), []string{"BTC-USD"}, creds, true); err != nil {
		t.Fatalf("init connector: %v", err)
	}
	m := NewManager(conn, events.NewBus(), Limits{}, "USD", time.Hour, log)

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	first := m.Metrics().UpdatedAt
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("throttled refresh must be a no-op, got %v", err)
	}
	if !m.Metrics().UpdatedAt.Equal(first) {
		t.Fatal("throttled refresh must not recompute metrics")
	}
}
