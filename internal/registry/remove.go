package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/pkg/exchange"
)

// RemoveOptions selects the cleanup work done during strategy removal.
type RemoveOptions struct {
	ClosePositions bool
	CancelOrders   bool
}

// CleanupReport summarizes what removal cleanup achieved. Cleanup failures
// never block removal; they are reported here for the caller to act on.
type CleanupReport struct {
	PositionsClosed int      `json:"positions_closed"`
	OrdersCancelled int      `json:"orders_cancelled"`
	CleanupErrors   []string `json:"cleanup_errors,omitempty"`
}

// Remove unregisters a strategy. The strategy leaves the dispatch set
// immediately; optional cleanup then runs best-effort against the venue, and
// the persisted config is disabled rather than deleted so history survives.
func (r *Registry) Remove(ctx context.Context, name string, opts RemoveOptions) (CleanupReport, error) {
	r.mu.Lock()
	rt, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return CleanupReport{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.entries, name)
	r.order = removeName(r.order, name)
	cfg := rt.cfg
	r.mu.Unlock()

	rt.eng.Stop(ctx)

	var report CleanupReport
	if opts.CancelOrders {
		r.cancelStrategyOrders(ctx, cfg.AllPairs(), &report)
	}
	if opts.ClosePositions {
		r.closeStrategyPositions(ctx, name, cfg.AllPairs(), &report)
	}

	if err := r.store.DisableStrategyConfig(ctx, name); err != nil {
		report.CleanupErrors = append(report.CleanupErrors, fmt.Sprintf("disable persisted config: %v", err))
		r.log.Error("failed to disable persisted strategy config",
			zap.String("name", name), zap.Error(err))
	}

	r.bus.Publish(events.EventStrategyRemoved, cfg)
	r.log.Info("strategy removed",
		zap.String("name", name),
		zap.Int("positions_closed", report.PositionsClosed),
		zap.Int("orders_cancelled", report.OrdersCancelled),
		zap.Int("cleanup_errors", len(report.CleanupErrors)))
	return report, nil
}

func (r *Registry) cancelStrategyOrders(ctx context.Context, pairs []string, report *CleanupReport) {
	for _, pair := range pairs {
		n, err := r.conn.CancelOpenOrders(ctx, pair)
		if err != nil {
			report.CleanupErrors = append(report.CleanupErrors, fmt.Sprintf("cancel orders %s: %v", pair, err))
			continue
		}
		report.OrdersCancelled += n
	}
}

// closeStrategyPositions flattens any open position on the strategy's pairs
// with reduce-only market orders. When the connector has no authoritative
// view, the persisted record stands in: pairs from the stored config,
// positions from the latest snapshot rows.
func (r *Registry) closeStrategyPositions(ctx context.Context, name string, pairs []string, report *CleanupReport) {
	positions, err := r.conn.Positions(ctx)
	if err != nil {
		r.log.Warn("live position query failed, using persisted snapshots",
			zap.String("name", name), zap.Error(err))
		positions = r.persistedPositions(ctx, name, pairs, report)
	}

	wanted := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		wanted[p] = struct{}{}
	}

	for _, pos := range positions {
		if _, ok := wanted[pos.Pair]; !ok || pos.Qty == 0 {
			continue
		}
		_, err := r.conn.PlaceOrder(ctx, exchange.OrderRequest{
			Pair:       pos.Pair,
			Side:       pos.Side.Opposite(),
			Type:       exchange.OrderTypeMarket,
			Qty:        pos.Qty,
			ReduceOnly: true,
		})
		if err != nil {
			report.CleanupErrors = append(report.CleanupErrors, fmt.Sprintf("close position %s: %v", pos.Pair, err))
			continue
		}
		report.PositionsClosed++
	}
}

// persistedPositions rebuilds a best-effort position view from the store.
func (r *Registry) persistedPositions(ctx context.Context, name string, pairs []string, report *CleanupReport) []exchange.Position {
	if cfg, err := r.store.GetStrategyConfig(ctx, name); err == nil {
		pairs = cfg.AllPairs()
	}
	recs, err := r.store.LatestPositionsForPairs(ctx, pairs)
	if err != nil {
		report.CleanupErrors = append(report.CleanupErrors, fmt.Sprintf("query persisted positions: %v", err))
		return nil
	}
	out := make([]exchange.Position, 0, len(recs))
	for _, rec := range recs {
		out = append(out, exchange.Position{
			Account: rec.Account,
			Pair:    rec.Pair,
			Side:    exchange.Side(rec.Side),
			Qty:     rec.Size,
		})
	}
	return out
}
