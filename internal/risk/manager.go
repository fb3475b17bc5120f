package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/engine"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/pkg/exchange"
)

const alertHistorySize = 50

// Manager keeps a throttled portfolio view and answers pre-trade checks from
// the cached metrics, never from a live venue query. The coordination loop
// must not stall on the risk path.
type Manager struct {
	conn       *connector.Manager
	bus        *events.Bus
	log        *zap.Logger
	quoteAsset string
	limiter    *rate.Limiter

	// fallbackPrices values assets with no live book, keyed by asset.
	fallbackPrices map[string]float64

	// strategies reports the running strategy count, nil when unwired.
	strategies func() int

	mu      sync.RWMutex
	limits  Limits
	metrics PortfolioMetrics
	peak    decimal.Decimal
	alerts  []Alert
}

// NewManager creates a risk manager. refreshInterval throttles how often
// Refresh actually hits the venue.
func NewManager(conn *connector.Manager, bus *events.Bus, limits Limits, quoteAsset string, refreshInterval time.Duration, log *zap.Logger) *Manager {
	if refreshInterval <= 0 {
		refreshInterval = 10 * time.Second
	}
	return &Manager{
		conn:           conn,
		bus:            bus,
		log:            log,
		quoteAsset:     quoteAsset,
		limits:         limits,
		limiter:        rate.NewLimiter(rate.Every(refreshInterval), 1),
		fallbackPrices: make(map[string]float64),
	}
}

// SetStrategyCounter wires a running-strategy count source into the
// recompute checks.
func (m *Manager) SetStrategyCounter(count func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies = count
}

// SetFallbackPrice installs a static valuation for an asset without a live
// book against the quote asset.
func (m *Manager) SetFallbackPrice(asset string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackPrices[asset] = price
}

// Limits returns the configured guardrails.
func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// Metrics returns the cached portfolio metrics.
func (m *Manager) Metrics() PortfolioMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// RecentAlerts returns the alert history, newest last.
func (m *Manager) RecentAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Refresh recomputes portfolio metrics from venue balances, positions and
// resting orders. Calls inside the throttle window are no-ops; the cached
// view stays valid for pre-trade checks in between.
func (m *Manager) Refresh(ctx context.Context) error {
	if !m.limiter.Allow() {
		return nil
	}

	balances, err := m.conn.Balances(ctx)
	if err != nil {
		return fmt.Errorf("risk refresh balances: %w", err)
	}
	positions, err := m.conn.Positions(ctx)
	if err != nil {
		return fmt.Errorf("risk refresh positions: %w", err)
	}

	quoteBalance := decimal.Zero
	portfolio := decimal.Zero
	for _, b := range balances {
		total := decimal.NewFromFloat(b.Free + b.Locked)
		if b.Asset == m.quoteAsset {
			quoteBalance = quoteBalance.Add(total)
			portfolio = portfolio.Add(total)
			continue
		}
		price := m.assetPrice(b.Asset)
		if price.IsZero() {
			m.log.Debug("asset has no valuation, excluded from portfolio",
				zap.String("asset", b.Asset))
			continue
		}
		portfolio = portfolio.Add(total.Mul(price))
	}

	upnl := decimal.Zero
	openPositions := 0
	for _, p := range positions {
		if p.Qty == 0 {
			continue
		}
		openPositions++
		upnl = upnl.Add(decimal.NewFromFloat(p.UnrealizedPnL))
	}
	portfolio = portfolio.Add(upnl)

	// Exposure is measured over resting order notional: buy minus sell for
	// net, sum of absolutes for gross.
	net := decimal.Zero
	gross := decimal.Zero
	openOrders := 0
	for _, pair := range m.conn.Pairs() {
		orders, err := m.conn.OpenOrders(ctx, pair)
		if err != nil {
			m.log.Debug("open orders unavailable for exposure",
				zap.String("pair", pair), zap.Error(err))
			continue
		}
		for _, o := range orders {
			openOrders++
			notional := decimal.NewFromFloat(o.Qty).Mul(decimal.NewFromFloat(o.Price))
			gross = gross.Add(notional.Abs())
			if o.Side == exchange.SideSell {
				net = net.Sub(notional)
			} else {
				net = net.Add(notional)
			}
		}
	}

	m.mu.RLock()
	counter := m.strategies
	m.mu.RUnlock()
	strategyCount := 0
	if counter != nil {
		strategyCount = counter()
	}

	m.mu.Lock()
	if portfolio.GreaterThan(m.peak) {
		m.peak = portfolio
	}
	drawdown := decimal.Zero
	if m.peak.IsPositive() {
		drawdown = m.peak.Sub(portfolio).Div(m.peak).Mul(decimal.NewFromInt(100))
	}
	m.metrics = PortfolioMetrics{
		QuoteBalance:   quoteBalance.InexactFloat64(),
		PortfolioValue: portfolio.InexactFloat64(),
		NetExposure:    net.InexactFloat64(),
		GrossExposure:  gross.InexactFloat64(),
		UnrealizedPnL:  upnl.InexactFloat64(),
		PeakValue:      m.peak.InexactFloat64(),
		DrawdownPct:    drawdown.InexactFloat64(),
		OpenOrders:     openOrders,
		OpenPositions:  openPositions,
		StrategyCount:  strategyCount,
		UpdatedAt:      time.Now(),
	}
	metrics := m.metrics
	limits := m.limits
	m.mu.Unlock()

	m.evaluateAlerts(metrics, limits)
	return nil
}

// assetPrice values one unit of asset in the quote asset. Live best bid
// wins; the static fallback table covers assets without a subscribed book.
func (m *Manager) assetPrice(asset string) decimal.Decimal {
	if snap := m.conn.OrderBook(asset + "-" + m.quoteAsset); snap != nil && snap.Bid > 0 {
		return decimal.NewFromFloat(snap.Bid)
	}
	m.mu.RLock()
	fallback := m.fallbackPrices[asset]
	m.mu.RUnlock()
	return decimal.NewFromFloat(fallback)
}

func (m *Manager) evaluateAlerts(metrics PortfolioMetrics, limits Limits) {
	var alerts []Alert
	now := time.Now()

	if limits.MinQuoteBalance > 0 && metrics.QuoteBalance < limits.MinQuoteBalance {
		alerts = append(alerts, Alert{
			Level: AlertWarning, Code: alertLowBalance,
			Message: fmt.Sprintf("quote balance %.2f below minimum %.2f", metrics.QuoteBalance, limits.MinQuoteBalance),
			Value:   metrics.QuoteBalance, Limit: limits.MinQuoteBalance, At: now,
		})
	}
	if metrics.PortfolioValue > 0 {
		netPct := abs(metrics.NetExposure) / metrics.PortfolioValue * 100
		if limits.MaxNetExposurePct > 0 && netPct > limits.MaxNetExposurePct {
			alerts = append(alerts, Alert{
				Level: AlertWarning, Code: alertNetExposure,
				Message: fmt.Sprintf("net exposure %.1f%% of portfolio exceeds %.1f%%", netPct, limits.MaxNetExposurePct),
				Value:   netPct, Limit: limits.MaxNetExposurePct, At: now,
			})
		}
		grossPct := metrics.GrossExposure / metrics.PortfolioValue * 100
		if limits.MaxGrossExposurePct > 0 && grossPct > limits.MaxGrossExposurePct {
			alerts = append(alerts, Alert{
				Level: AlertWarning, Code: alertGrossExposure,
				Message: fmt.Sprintf("gross exposure %.1f%% of portfolio exceeds %.1f%%", grossPct, limits.MaxGrossExposurePct),
				Value:   grossPct, Limit: limits.MaxGrossExposurePct, At: now,
			})
		}
	}
	if limits.MaxOpenOrders > 0 && metrics.OpenOrders > limits.MaxOpenOrders {
		alerts = append(alerts, Alert{
			Level: AlertWarning, Code: alertOpenOrders,
			Message: fmt.Sprintf("%d open orders exceed limit %d", metrics.OpenOrders, limits.MaxOpenOrders),
			Value:   float64(metrics.OpenOrders), Limit: float64(limits.MaxOpenOrders), At: now,
		})
	}
	if limits.MaxStrategies > 0 && metrics.StrategyCount > limits.MaxStrategies {
		alerts = append(alerts, Alert{
			Level: AlertWarning, Code: alertStrategies,
			Message: fmt.Sprintf("%d running strategies exceed limit %d", metrics.StrategyCount, limits.MaxStrategies),
			Value:   float64(metrics.StrategyCount), Limit: float64(limits.MaxStrategies), At: now,
		})
	}
	if limits.MaxDrawdownPct > 0 && metrics.DrawdownPct > limits.MaxDrawdownPct {
		alerts = append(alerts, Alert{
			Level: AlertCritical, Code: alertDrawdown,
			Message: fmt.Sprintf("drawdown %.1f%% from peak %.2f exceeds %.1f%%", metrics.DrawdownPct, metrics.PeakValue, limits.MaxDrawdownPct),
			Value:   metrics.DrawdownPct, Limit: limits.MaxDrawdownPct, At: now,
		})
	}

	if len(alerts) == 0 {
		return
	}
	m.mu.Lock()
	m.alerts = append(m.alerts, alerts...)
	if len(m.alerts) > alertHistorySize {
		m.alerts = m.alerts[len(m.alerts)-alertHistorySize:]
	}
	m.mu.Unlock()
	for _, a := range alerts {
		m.bus.Publish(events.EventRiskAlert, a)
		if a.Level == AlertCritical {
			m.log.Error("risk alert", zap.String("code", a.Code), zap.String("message", a.Message))
		} else {
			m.log.Warn("risk alert", zap.String("code", a.Code), zap.String("message", a.Message))
		}
	}
}

// ShouldBlockOrder answers a pre-trade check from the cached metrics. It
// applies independent checks: per-order size against the portfolio cap, and
// projected gross exposure after the order fills.
func (m *Manager) ShouldBlockOrder(candidate engine.OrderCandidate, strategy string) (bool, string) {
	m.mu.RLock()
	metrics := m.metrics
	limits := m.limits
	m.mu.RUnlock()

	// No portfolio view yet; limits cannot be evaluated before the first
	// refresh completes.
	if metrics.UpdatedAt.IsZero() {
		return false, ""
	}

	if limits.MinQuoteBalance > 0 && metrics.QuoteBalance < limits.MinQuoteBalance {
		return true, fmt.Sprintf("quote balance %.2f below required minimum %.2f",
			metrics.QuoteBalance, limits.MinQuoteBalance)
	}

	if limits.MaxOrderSizePct > 0 && metrics.PortfolioValue > 0 {
		maxOrder := metrics.PortfolioValue * limits.MaxOrderSizePct / 100
		if candidate.Notional > maxOrder {
			return true, fmt.Sprintf("order size %.2f exceeds limit %.2f (%.0f%% of portfolio %.2f)",
				candidate.Notional, maxOrder, limits.MaxOrderSizePct, metrics.PortfolioValue)
		}
	}

	if limits.MaxGrossExposurePct > 0 && metrics.PortfolioValue > 0 {
		maxGross := metrics.PortfolioValue * limits.MaxGrossExposurePct / 100
		if metrics.GrossExposure+candidate.Notional > maxGross {
			return true, fmt.Sprintf("projected gross exposure %.2f exceeds limit %.2f",
				metrics.GrossExposure+candidate.Notional, maxGross)
		}
	}

	return false, ""
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
