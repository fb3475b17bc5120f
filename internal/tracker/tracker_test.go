package tracker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/engine"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/internal/monitor"
	"strategy-orchestrator/internal/registry"
	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

type allowAllGate struct{}

func (allowAllGate) ShouldBlockOrder(engine.OrderCandidate, string) (bool, string) {
	return false, ""
}

type trackerEnv struct {
	trk   *Tracker
	reg   *registry.Registry
	venue *exchange.MockVenue
	store *db.Store
}

func newTrackerEnv(t *testing.T) *trackerEnv {
	t.Helper()
	log := zap.NewNop()

	venue := exchange.NewMock("USD", 10000)
	conn := connector.New(venue, log)
	creds := exchange.Credentials{APIKey: "k", APISecret: "s"}
	if err := conn.Initialize(context.Background(), []string{"BTC-USD"}, creds, true); err != nil {
		t.Fatalf("init connector: %v", err)
	}

	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	deps := engine.Deps{
		Orders:  conn,
		Risk:    allowAllGate{},
		Bus:     bus,
		Metrics: monitor.NewMetrics(),
		Log:     log,
	}
	reg := registry.New(store, conn, bus, deps, 10, log)
	trk := New(conn, store, reg, bus, monitor.NewMetrics(), 30*time.Second, 5*time.Minute, log)
	return &trackerEnv{trk: trk, reg: reg, venue: venue, store: store}
}

func addObserver(t *testing.T, reg *registry.Registry, name, pair string) {
	t.Helper()
	err := reg.Add(context.Background(), db.StrategyConfig{
		Name:       name,
		Venue:      "mock",
		Pair:       pair,
		EngineType: engine.TypeObserver,
		Params:     map[string]float64{db.ParamRefreshInterval: 5},
		Owner:      "alice",
	})
	if err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
}

func TestSyncWritesAttributedSnapshots(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	addObserver(t, env.reg, "btc-watcher", "BTC-USD")
	env.venue.SetPosition(exchange.Position{
		Pair: "BTC-USD", Side: exchange.SideBuy, Qty: 2, MarkPrice: 100, EntryPrice: 95,
	})

	if err := env.trk.SyncOnce(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	current, err := env.trk.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if len(current) != 1 {
		t.Fatalf("expected 1 position, got %d", len(current))
	}
	rec := current[0]
	if rec.Strategy != "btc-watcher" {
		t.Fatalf("attributed to %q, want btc-watcher", rec.Strategy)
	}
	if rec.Size != 2 || rec.Side != "BUY" || rec.Connector != "mock" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSyncSkipsZeroPositions(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	if err := env.trk.SyncOnce(ctx); err != nil {
		t.Fatalf("sync with no positions: %v", err)
	}
	current, err := env.trk.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if len(current) != 0 {
		t.Fatalf("expected empty view, got %+v", current)
	}
	if env.trk.Status().SyncedRows != 0 {
		t.Fatalf("expected 0 synced rows, got %d", env.trk.Status().SyncedRows)
	}
}

func TestAttributionExactPairWinsOverSubstring(t *testing.T) {
	env := newTrackerEnv(t)

	addObserver(t, env.reg, "btc-name-only", "ETH-USD")
	addObserver(t, env.reg, "market-maker", "BTC-USD")

	strategies := env.reg.List("")
	got := attribute(exchange.Position{Pair: "BTC-USD", Side: exchange.SideBuy, Qty: 1}, strategies)
	if got != "market-maker" {
		t.Fatalf("exact pair match must win, got %q", got)
	}
}

func TestAttributionMostRecentOnTie(t *testing.T) {
	env := newTrackerEnv(t)

	addObserver(t, env.reg, "old-maker", "BTC-USD")
	time.Sleep(2 * time.Millisecond)
	addObserver(t, env.reg, "new-maker", "BTC-USD")

	strategies := env.reg.List("")
	got := attribute(exchange.Position{Pair: "BTC-USD", Side: exchange.SideBuy, Qty: 1}, strategies)
	if got != "new-maker" {
		t.Fatalf("most recently started must win a tie, got %q", got)
	}
}

func TestAttributionFallsBackToNameMatch(t *testing.T) {
	env := newTrackerEnv(t)

	addObserver(t, env.reg, "sol-scalper", "ETH-USD")

	strategies := env.reg.List("")
	got := attribute(exchange.Position{Pair: "SOL-USD", Side: exchange.SideBuy, Qty: 1}, strategies)
	if got != "sol-scalper" {
		t.Fatalf("base asset name match expected, got %q", got)
	}
}

func TestAttributionUnknown(t *testing.T) {
	env := newTrackerEnv(t)

	addObserver(t, env.reg, "eth-maker", "ETH-USD")

	strategies := env.reg.List("")
	got := attribute(exchange.Position{Pair: "DOGE-USD", Side: exchange.SideBuy, Qty: 1}, strategies)
	if got != UnknownStrategy {
		t.Fatalf("unmatched position must be Unknown, got %q", got)
	}
}

func TestSyncStampsReconciledOnStableView(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	env.venue.SetPosition(exchange.Position{
		Pair: "BTC-USD", Side: exchange.SideBuy, Qty: 2, MarkPrice: 100,
	})

	// First sight of the position: nothing stored agrees with the venue yet.
	if err := env.trk.SyncOnce(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	current, err := env.trk.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if len(current) != 1 || current[0].Reconciled {
		t.Fatalf("fresh position must not be reconciled: %+v", current)
	}

	// Unchanged position: the stored view now matches the venue.
	if err := env.trk.SyncOnce(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	current, err = env.trk.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if len(current) != 1 || !current[0].Reconciled {
		t.Fatalf("stable position must be reconciled: %+v", current)
	}

	// Size change breaks agreement again.
	env.venue.SetPosition(exchange.Position{
		Pair: "BTC-USD", Side: exchange.SideBuy, Qty: 5, MarkPrice: 100,
	})
	if err := env.trk.SyncOnce(ctx); err != nil {
		t.Fatalf("third sync: %v", err)
	}
	current, err = env.trk.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if len(current) != 1 || current[0].Reconciled {
		t.Fatalf("changed position must not be reconciled: %+v", current)
	}
}

func TestForceCloseFlattens(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	env.venue.SetPosition(exchange.Position{
		Pair: "BTC-USD", Side: exchange.SideSell, Qty: 3, MarkPrice: 100,
	})

	closed, err := env.trk.ForceClose(ctx)
	if err != nil {
		t.Fatalf("force close: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 closed, got %d", closed)
	}

	positions, err := env.venue.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("venue still has positions: %+v", positions)
	}
}

func TestClosedPositionLeavesCurrentView(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	env.venue.SetPosition(exchange.Position{
		Pair: "BTC-USD", Side: exchange.SideBuy, Qty: 1, MarkPrice: 100,
	})
	if err := env.trk.SyncOnce(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Position closes on the venue; the next sync writes nothing and the
	// last snapshot ages out of the freshness window.
	env.venue.SetPosition(exchange.Position{Pair: "BTC-USD", Qty: 0})
	if err := env.trk.SyncOnce(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if _, err := env.store.DB.ExecContext(ctx,
		`UPDATE position_snapshots SET recorded_at = datetime('now', '-120 seconds')`); err != nil {
		t.Fatalf("age snapshots: %v", err)
	}

	stale, err := env.store.CurrentPositions(ctx, time.Minute)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("aged-out snapshot still visible: %+v", stale)
	}
}
