// Package risk computes portfolio-level exposure metrics and gates orders
// before they reach the venue.
package risk

import "time"

// Limits are the portfolio guardrails. Percentages are of total portfolio
// value in the quote asset.
type Limits struct {
	MinQuoteBalance     float64 `json:"min_quote_balance"`
	MaxNetExposurePct   float64 `json:"max_net_exposure_pct"`
	MaxGrossExposurePct float64 `json:"max_gross_exposure_pct"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	MaxOrderSizePct     float64 `json:"max_order_size_pct"`
	MaxOpenOrders       int     `json:"max_open_orders"`
	MaxStrategies       int     `json:"max_strategies"`
}

// PortfolioMetrics is the cached portfolio view refreshed on a throttle.
// All monetary values are denominated in the quote asset. Net and gross
// exposure aggregate open-order notional, buy minus sell and sum of
// absolutes respectively.
type PortfolioMetrics struct {
	QuoteBalance   float64   `json:"quote_balance"`
	PortfolioValue float64   `json:"portfolio_value"`
	NetExposure    float64   `json:"net_exposure"`
	GrossExposure  float64   `json:"gross_exposure"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	PeakValue      float64   `json:"peak_value"`
	DrawdownPct    float64   `json:"drawdown_pct"`
	OpenOrders     int       `json:"open_orders"`
	OpenPositions  int       `json:"open_positions"`
	StrategyCount  int       `json:"strategy_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AlertLevel grades a risk alert. Critical is reserved for drawdown
// breaches, which indicate realized damage rather than configuration drift.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is one limit breach observation.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Value   float64    `json:"value"`
	Limit   float64    `json:"limit"`
	At      time.Time  `json:"at"`
}

const (
	alertLowBalance    = "low_quote_balance"
	alertNetExposure   = "net_exposure"
	alertGrossExposure = "gross_exposure"
	alertDrawdown      = "drawdown"
	alertOpenOrders    = "open_order_count"
	alertStrategies    = "strategy_count"
)
