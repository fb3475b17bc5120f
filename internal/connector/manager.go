// Package connector owns the single live venue session shared by every
// strategy, regardless of how many are running.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"strategy-orchestrator/pkg/exchange"
)

var (
	// ErrNotInitialized is returned before Initialize succeeds.
	ErrNotInitialized = errors.New("connector not initialized")
	// ErrNoTrading is returned from execution paths in data-only mode.
	ErrNoTrading = errors.New("connector is in data-only mode")
)

const (
	callTimeout   = 10 * time.Second
	queryMaxTries = 3
	queryBackoff  = 500 * time.Millisecond
)

// Manager maintains exactly one venue session and the subscribed pair set.
// New pairs are added through incremental subscription extension; running
// strategies never lose their data feed.
type Manager struct {
	venue exchange.Venue
	log   *zap.Logger

	mu          sync.RWMutex
	pairs       map[string]struct{}
	initialized bool
	dataOnly    bool
}

// New creates a manager around a venue session.
func New(venue exchange.Venue, log *zap.Logger) *Manager {
	return &Manager{
		venue: venue,
		log:   log,
		pairs: make(map[string]struct{}),
	}
}

// Initialize connects the venue and subscribes the initial pair set.
// tradingRequired controls the failure mode: required trading makes a
// connect failure fatal to the caller, otherwise the manager degrades to
// data-only and callers treat order paths as a skip condition.
func (m *Manager) Initialize(ctx context.Context, pairs []string, creds exchange.Credentials, tradingRequired bool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := m.venue.Connect(ctx, pairs)
	if err != nil {
		if tradingRequired {
			return fmt.Errorf("connect venue %s: %w", m.venue.Name(), err)
		}
		m.log.Warn("venue connect failed, degrading to no-data mode",
			zap.String("venue", m.venue.Name()), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pairs {
		m.pairs[p] = struct{}{}
	}
	m.initialized = err == nil
	m.dataOnly = creds.Empty()
	if m.dataOnly {
		m.log.Info("connector initialized without credentials, order execution disabled")
	}
	return nil
}

// IsReady reports relaxed readiness: market data for at least one required
// pair, or the venue's own ready signal. Some venues never report full
// readiness while still serving usable data.
func (m *Manager) IsReady() bool {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return false
	}
	if m.venue.Ready() {
		return true
	}
	for _, p := range m.subscribedPairs() {
		if _, ok := m.venue.BookTicker(p); ok {
			return true
		}
	}
	return false
}

// OrderBook returns the latest snapshot for a pair, or nil when no book data
// exists yet. Callers treat nil as a skip condition for this cycle.
func (m *Manager) OrderBook(pair string) *exchange.Snapshot {
	bt, ok := m.venue.BookTicker(pair)
	if !ok || bt.BidPrice <= 0 || bt.AskPrice <= 0 {
		return nil
	}
	return exchange.SnapshotFrom(bt, m.venue.Name())
}

// EnsurePairSupported transparently extends the subscription set for a newly
// required pair. Idempotent; already-running strategies keep their feeds.
func (m *Manager) EnsurePairSupported(ctx context.Context, pair string) error {
	m.mu.RLock()
	_, known := m.pairs[pair]
	initialized := m.initialized
	m.mu.RUnlock()
	if known {
		return nil
	}
	if !initialized {
		return ErrNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := m.venue.Subscribe(ctx, pair); err != nil {
		return fmt.Errorf("subscribe %s: %w", pair, err)
	}

	m.mu.Lock()
	m.pairs[pair] = struct{}{}
	m.mu.Unlock()
	m.log.Info("subscription set extended", zap.String("pair", pair))
	return nil
}

// PlaceOrder submits an order through the shared session.
func (m *Manager) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	m.mu.RLock()
	dataOnly := m.dataOnly
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return exchange.OrderResult{}, ErrNotInitialized
	}
	if dataOnly {
		return exchange.OrderResult{}, ErrNoTrading
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	res, err := m.venue.PlaceOrder(ctx, req)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("place order %s %s %v: %w", req.Pair, req.Side, req.Qty, err)
	}
	return res, nil
}

// CancelOpenOrders cancels resting orders on a pair; returns the count.
func (m *Manager) CancelOpenOrders(ctx context.Context, pair string) (int, error) {
	m.mu.RLock()
	dataOnly := m.dataOnly
	m.mu.RUnlock()
	if dataOnly {
		return 0, ErrNoTrading
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return m.venue.CancelOpenOrders(ctx, pair)
}

// OpenOrders lists resting orders, retried on transient failure.
func (m *Manager) OpenOrders(ctx context.Context, pair string) ([]exchange.OpenOrder, error) {
	return retryQuery(ctx, m.log, "open orders", func(ctx context.Context) ([]exchange.OpenOrder, error) {
		return m.venue.OpenOrders(ctx, pair)
	})
}

// Positions returns the venue's authoritative position view, retried on
// transient failure.
func (m *Manager) Positions(ctx context.Context) ([]exchange.Position, error) {
	return retryQuery(ctx, m.log, "positions", func(ctx context.Context) ([]exchange.Position, error) {
		return m.venue.Positions(ctx)
	})
}

// Balances returns current asset balances, retried on transient failure.
func (m *Manager) Balances(ctx context.Context) ([]exchange.Balance, error) {
	return retryQuery(ctx, m.log, "balances", func(ctx context.Context) ([]exchange.Balance, error) {
		return m.venue.Balances(ctx)
	})
}

// CanTrade reports whether order execution is available.
func (m *Manager) CanTrade() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized && !m.dataOnly
}

// VenueName identifies the underlying venue.
func (m *Manager) VenueName() string { return m.venue.Name() }

// Pairs returns the currently subscribed pair set.
func (m *Manager) Pairs() []string { return m.subscribedPairs() }

// Close tears down the venue session. The coordination loop must already be
// stopped when this is called.
func (m *Manager) Close() error {
	return m.venue.Close()
}

func (m *Manager) subscribedPairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pairs))
	for p := range m.pairs {
		out = append(out, p)
	}
	return out
}

// retryQuery retries a read-only venue query with exponential backoff.
// Credential errors are not retried; they cannot heal on their own.
func retryQuery[T any](ctx context.Context, log *zap.Logger, what string, fn func(context.Context) ([]T, error)) ([]T, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = queryBackoff

	var lastErr error
	for attempt := 0; attempt < queryMaxTries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		out, err := fn(callCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		if errors.Is(err, exchange.ErrNoCredentials) {
			return nil, err
		}
		lastErr = err

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		log.Debug("transient query failure, retrying",
			zap.String("query", what), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("query %s: %w", what, lastErr)
}
