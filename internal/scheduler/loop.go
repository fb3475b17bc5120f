// Package scheduler runs the coordination loop: one ticker that refreshes
// market snapshots, dispatches due strategies in registration order, and
// spreads housekeeping across cycles.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/monitor"
	"strategy-orchestrator/internal/registry"
	"strategy-orchestrator/internal/risk"
	"strategy-orchestrator/pkg/exchange"
)

// Task is a named housekeeping job run every housekeepEvery ticks. Errors
// are logged and counted, never fatal to the loop.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Loop is the coordination loop. A single goroutine owns the tick cycle;
// strategies never run concurrently with each other.
type Loop struct {
	interval       time.Duration
	housekeepEvery int
	fallbackPair   string

	reg     *registry.Registry
	conn    *connector.Manager
	risk    *risk.Manager
	metrics *monitor.Metrics
	log     *zap.Logger

	tasks []Task

	mu           sync.RWMutex
	lastTick     time.Time
	lastErr      string
	cycles       uint64
	lastSnapshot *exchange.Snapshot
}

// New creates the loop. housekeepEvery <= 0 disables housekeeping tasks.
func New(interval time.Duration, housekeepEvery int, fallbackPair string, reg *registry.Registry, conn *connector.Manager, riskMgr *risk.Manager, metrics *monitor.Metrics, log *zap.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{
		interval:       interval,
		housekeepEvery: housekeepEvery,
		fallbackPair:   fallbackPair,
		reg:            reg,
		conn:           conn,
		risk:           riskMgr,
		metrics:        metrics,
		log:            log,
	}
}

// AddTask registers a housekeeping job. Must be called before Run.
func (l *Loop) AddTask(name string, run func(ctx context.Context) error) {
	l.tasks = append(l.tasks, Task{Name: name, Run: run})
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Info("coordination loop started",
		zap.Duration("interval", l.interval),
		zap.Int("housekeep_every", l.housekeepEvery))

	for {
		select {
		case <-ctx.Done():
			l.log.Info("coordination loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	timer := monitor.NewTimer(l.metrics.TickLatency)
	defer timer.Stop()
	l.metrics.IncrementCycles()

	now := time.Now()
	snapshots := l.refreshSnapshots()

	tickCtx, cancel := context.WithTimeout(ctx, l.interval)
	defer cancel()

	for _, d := range l.reg.DueDispatches(now) {
		l.metrics.IncrementActions()
		err := l.dispatch(tickCtx, d, snapshots[d.Pair])
		l.reg.RecordResult(d.Name, err)
		if err != nil {
			l.log.Warn("strategy tick failed",
				zap.String("strategy", d.Name), zap.Error(err))
		}
	}

	if err := l.risk.Refresh(tickCtx); err != nil {
		l.metrics.IncrementBackgroundErrors()
		l.log.Warn("risk refresh failed", zap.Error(err))
	}

	l.mu.Lock()
	l.lastTick = now
	cycle := l.cycles
	l.cycles++
	l.mu.Unlock()

	if l.housekeepEvery > 0 && cycle%uint64(l.housekeepEvery) == 0 {
		l.housekeep(tickCtx)
	}
}

// refreshSnapshots fetches one snapshot per required pair so every strategy
// on the same pair sees identical data this cycle. The fallback pair is
// always part of the set, keeping that feed warm even when no registered
// strategy trades it.
func (l *Loop) refreshSnapshots() map[string]*exchange.Snapshot {
	pairs := l.reg.RequiredPairs()
	if l.fallbackPair != "" {
		found := false
		for _, p := range pairs {
			if p == l.fallbackPair {
				found = true
				break
			}
		}
		if !found {
			pairs = append(pairs, l.fallbackPair)
		}
	}
	snapshots := make(map[string]*exchange.Snapshot, len(pairs))
	var latest *exchange.Snapshot
	for _, pair := range pairs {
		snap := l.conn.OrderBook(pair)
		snapshots[pair] = snap
		if snap != nil && (latest == nil || snap.Time.After(latest.Time)) {
			latest = snap
		}
	}
	if latest != nil {
		l.mu.Lock()
		l.lastSnapshot = latest
		l.mu.Unlock()
	}
	return snapshots
}

// dispatch runs one strategy tick with panic isolation. A nil snapshot is
// passed through; engines treat it as a skip.
func (l *Loop) dispatch(ctx context.Context, d registry.Dispatch, snap *exchange.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", d.Name, r)
		}
	}()
	return d.Engine.Tick(ctx, snap)
}

func (l *Loop) housekeep(ctx context.Context) {
	for _, task := range l.tasks {
		if err := task.Run(ctx); err != nil {
			l.metrics.IncrementBackgroundErrors()
			l.setLastErr(fmt.Sprintf("%s: %v", task.Name, err))
			l.log.Warn("housekeeping task failed",
				zap.String("task", task.Name), zap.Error(err))
		}
	}
}

func (l *Loop) setLastErr(msg string) {
	l.mu.Lock()
	l.lastErr = msg
	l.mu.Unlock()
}

// Status is the loop's health view for the management API.
type Status struct {
	LastTick     time.Time          `json:"last_tick"`
	Cycles       uint64             `json:"cycles"`
	LastError    string             `json:"last_error,omitempty"`
	LastSnapshot *exchange.Snapshot `json:"last_snapshot,omitempty"`
}

// Status returns the last tick time, cycle count, and freshest book view.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{
		LastTick:     l.lastTick,
		Cycles:       l.cycles,
		LastError:    l.lastErr,
		LastSnapshot: l.lastSnapshot,
	}
}

// StaleOrderTask builds a housekeeping job that cancels resting orders older
// than maxAge. Cancellation is per pair: one stale order flushes the pair's
// whole resting set, which quoting engines replace next tick anyway.
func StaleOrderTask(conn *connector.Manager, reg *registry.Registry, maxAge time.Duration, log *zap.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !conn.CanTrade() {
			return nil
		}
		cutoff := time.Now().Add(-maxAge)
		for _, pair := range reg.RequiredPairs() {
			orders, err := conn.OpenOrders(ctx, pair)
			if err != nil {
				return fmt.Errorf("list open orders %s: %w", pair, err)
			}
			stale := false
			for _, o := range orders {
				if !o.CreatedAt.IsZero() && o.CreatedAt.Before(cutoff) {
					stale = true
					break
				}
			}
			if !stale {
				continue
			}
			n, err := conn.CancelOpenOrders(ctx, pair)
			if err != nil {
				return fmt.Errorf("cancel stale orders %s: %w", pair, err)
			}
			log.Info("stale orders flushed", zap.String("pair", pair), zap.Int("cancelled", n))
		}
		return nil
	}
}
