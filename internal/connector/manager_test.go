package connector

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"strategy-orchestrator/pkg/exchange"
)

func newManager(t *testing.T, creds exchange.Credentials) (*Manager, *exchange.MockVenue) {
	t.Helper()
	venue := exchange.NewMock("USD", 10000)
	m := New(venue, zap.NewNop())
	if err := m.Initialize(context.Background(), []string{"BTC-USD"}, creds, true); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m, venue
}

func TestDataOnlyModeBlocksExecution(t *testing.T) {
	m, _ := newManager(t, exchange.Credentials{})

	if m.CanTrade() {
		t.Fatal("no credentials must mean no trading")
	}
	_, err := m.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair: "BTC-USD", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 1,
	})
	if !errors.Is(err, ErrNoTrading) {
		t.Fatalf("expected ErrNoTrading, got %v", err)
	}
	_, err = m.CancelOpenOrders(context.Background(), "BTC-USD")
	if !errors.Is(err, ErrNoTrading) {
		t.Fatalf("expected ErrNoTrading on cancel, got %v", err)
	}
}

func TestDataOnlyStillServesMarketData(t *testing.T) {
	m, venue := newManager(t, exchange.Credentials{})
	venue.SetBook("BTC-USD", 99, 101)

	snap := m.OrderBook("BTC-USD")
	if snap == nil {
		t.Fatal("market data must work without credentials")
	}
	if snap.Mid != 100 {
		t.Fatalf("mid = %v, want 100", snap.Mid)
	}
	if !m.IsReady() {
		t.Fatal("manager with book data must be ready")
	}
}

func TestOrderBookUnknownPair(t *testing.T) {
	m, _ := newManager(t, exchange.Credentials{})
	if snap := m.OrderBook("XRP-USD"); snap != nil {
		t.Fatalf("unknown pair must return nil, got %+v", snap)
	}
}

func TestEnsurePairSupportedIdempotent(t *testing.T) {
	m, venue := newManager(t, exchange.Credentials{APIKey: "k", APISecret: "s"})
	ctx := context.Background()

	if err := m.EnsurePairSupported(ctx, "ETH-USD"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := m.EnsurePairSupported(ctx, "ETH-USD"); err != nil {
		t.Fatalf("repeat ensure must be a no-op: %v", err)
	}
	if err := m.EnsurePairSupported(ctx, "BTC-USD"); err != nil {
		t.Fatalf("initial pair must already be supported: %v", err)
	}

	pairs := venue.SubscribedPairs()
	if len(pairs) != 2 {
		t.Fatalf("expected 2 subscribed pairs, got %v", pairs)
	}
}

func TestPlaceOrderWithCredentials(t *testing.T) {
	m, _ := newManager(t, exchange.Credentials{APIKey: "k", APISecret: "s"})

	res, err := m.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair: "BTC-USD", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 1,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.Status != exchange.StatusFilled {
		t.Fatalf("mock market order must fill, got %s", res.Status)
	}

	positions, err := m.Positions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Qty != 1 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
}
