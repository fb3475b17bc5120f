// Package tracker mirrors venue positions into append-only snapshots and
// attributes each position to the strategy that most plausibly owns it.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/internal/monitor"
	"strategy-orchestrator/internal/registry"
	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

// UnknownStrategy marks positions no registered strategy accounts for.
const UnknownStrategy = "Unknown"

const defaultAccount = "default"

// Tracker periodically snapshots venue positions. Snapshots are append-only:
// the current view is always the latest row per (account, pair) within the
// freshness window, so a closed position disappears once its last snapshot
// ages out.
type Tracker struct {
	conn    *connector.Manager
	store   *db.Store
	reg     *registry.Registry
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *zap.Logger

	interval time.Duration
	ttl      time.Duration

	mu         sync.RWMutex
	lastSync   time.Time
	lastErr    string
	syncedRows int
}

// New creates a tracker. interval is the sync cadence; ttl bounds snapshot
// retention once the book is flat.
func New(conn *connector.Manager, store *db.Store, reg *registry.Registry, bus *events.Bus, metrics *monitor.Metrics, interval, ttl time.Duration, log *zap.Logger) *Tracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Tracker{
		conn:     conn,
		store:    store,
		reg:      reg,
		bus:      bus,
		metrics:  metrics,
		log:      log,
		interval: interval,
		ttl:      ttl,
	}
}

// Run blocks until ctx is cancelled, syncing on the configured cadence.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.SyncOnce(ctx); err != nil {
				t.metrics.IncrementBackgroundErrors()
				t.log.Warn("position sync failed", zap.Error(err))
			}
		}
	}
}

// SyncOnce performs one full sync cycle: query, attribute, snapshot, purge.
func (t *Tracker) SyncOnce(ctx context.Context) error {
	timer := monitor.NewTimer(t.metrics.TrackerLatency)
	defer timer.Stop()

	positions, err := t.conn.Positions(ctx)
	if err != nil {
		t.recordSync(0, err)
		return fmt.Errorf("query positions: %w", err)
	}

	strategies := t.reg.List("")
	persisted := t.persistedView(ctx)
	var batch []db.PositionRecord
	for _, pos := range positions {
		if pos.Qty == 0 {
			continue
		}
		rec := recordFrom(pos, t.conn.VenueName())
		rec.Strategy = attribute(pos, strategies)
		rec.Reconciled = reconciled(rec, persisted)
		batch = append(batch, rec)
	}
	// One transaction per cycle: either the whole view lands or none of it.
	if err := t.store.InsertPositionSnapshots(ctx, batch); err != nil {
		t.recordSync(0, err)
		return fmt.Errorf("snapshot batch: %w", err)
	}
	written := len(batch)

	// A flat book is the safe moment to trim history: nothing current can
	// be purged away by mistake.
	if written == 0 && t.ttl > 0 {
		if n, err := t.store.PurgeSnapshotsOlderThan(ctx, t.ttl); err != nil {
			t.log.Warn("snapshot purge failed", zap.Error(err))
		} else if n > 0 {
			t.log.Debug("purged aged snapshots", zap.Int64("rows", n))
		}
	}
	if n, err := t.store.PurgeZeroSizeSnapshots(ctx); err != nil {
		t.log.Warn("zero-size purge failed", zap.Error(err))
	} else if n > 0 {
		t.log.Debug("purged zero-size snapshots", zap.Int64("rows", n))
	}

	t.recordSync(written, nil)
	t.bus.Publish(events.EventPositionSync, written)
	return nil
}

// Current returns the live position view: the latest snapshot per
// (account, pair) no older than two sync intervals.
func (t *Tracker) Current(ctx context.Context) ([]db.PositionRecord, error) {
	return t.store.CurrentPositions(ctx, 2*t.interval)
}

// ForceClose flattens every open venue position with reduce-only market
// orders, then syncs. Returns the number of positions closed.
func (t *Tracker) ForceClose(ctx context.Context) (int, error) {
	positions, err := t.conn.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("query positions: %w", err)
	}
	closed := 0
	var firstErr error
	for _, pos := range positions {
		if pos.Qty == 0 {
			continue
		}
		_, err := t.conn.PlaceOrder(ctx, exchange.OrderRequest{
			Pair:       pos.Pair,
			Side:       pos.Side.Opposite(),
			Type:       exchange.OrderTypeMarket,
			Qty:        pos.Qty,
			ReduceOnly: true,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("close %s: %w", pos.Pair, err)
			}
			continue
		}
		closed++
	}
	if err := t.SyncOnce(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return closed, firstErr
}

// SyncStatus is the tracker health view.
type SyncStatus struct {
	LastSync   time.Time `json:"last_sync"`
	SyncedRows int       `json:"synced_rows"`
	LastError  string    `json:"last_error,omitempty"`
}

// Status returns the last sync outcome.
func (t *Tracker) Status() SyncStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return SyncStatus{LastSync: t.lastSync, SyncedRows: t.syncedRows, LastError: t.lastErr}
}

func (t *Tracker) recordSync(rows int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSync = time.Now()
	t.syncedRows = rows
	if err != nil {
		t.lastErr = err.Error()
	} else {
		t.lastErr = ""
	}
}

// persistedView loads the latest stored row per (account, pair), keyed for
// the reconciliation check. Best-effort: a read failure just means nothing
// reconciles this cycle.
func (t *Tracker) persistedView(ctx context.Context) map[string]db.PositionRecord {
	recs, err := t.store.CurrentPositions(ctx, 0)
	if err != nil {
		t.log.Warn("persisted view unavailable", zap.Error(err))
		return nil
	}
	view := make(map[string]db.PositionRecord, len(recs))
	for _, rec := range recs {
		view[rec.Account+"|"+rec.Pair] = rec
	}
	return view
}

// reconciled reports whether the stored view already agreed with the venue
// for this position before the new row was written.
func reconciled(rec db.PositionRecord, persisted map[string]db.PositionRecord) bool {
	prev, ok := persisted[rec.Account+"|"+rec.Pair]
	return ok && prev.Side == rec.Side && prev.Size == rec.Size
}

func recordFrom(pos exchange.Position, venue string) db.PositionRecord {
	account := pos.Account
	if account == "" {
		account = defaultAccount
	}
	return db.PositionRecord{
		Account:       account,
		Connector:     venue,
		Pair:          pos.Pair,
		Side:          string(pos.Side),
		Size:          pos.Qty,
		EntryPrice:    pos.EntryPrice,
		MarkPrice:     pos.MarkPrice,
		UnrealizedPnL: pos.UnrealizedPnL,
		Leverage:      pos.Leverage,
		RecordedAt:    time.Now(),
	}
}

// attribute picks the owning strategy for a position. Exact pair match wins,
// broken by most recent start; failing that, a base-asset mention in the
// strategy name is taken as a claim. Unmatched positions are labeled
// Unknown rather than guessed.
func attribute(pos exchange.Position, strategies []registry.StrategyView) string {
	var best *registry.StrategyView
	for i := range strategies {
		s := &strategies[i]
		for _, pair := range s.Config.AllPairs() {
			if pair != pos.Pair {
				continue
			}
			if best == nil || s.Stats.StartedAt.After(best.Stats.StartedAt) {
				best = s
			}
		}
	}
	if best != nil {
		return best.Config.Name
	}

	base := strings.ToLower(exchange.BaseAsset(pos.Pair))
	if base != "" {
		for i := range strategies {
			if strings.Contains(strings.ToLower(strategies[i].Config.Name), base) {
				return strategies[i].Config.Name
			}
		}
	}
	return UnknownStrategy
}
