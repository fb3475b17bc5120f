package db

import "time"

// StrategyConfig is the persisted configuration of one strategy. Name is
// unique among active strategies; Pair is the primary trading pair and Pairs
// lists any additional pairs the strategy watches.
type StrategyConfig struct {
	Name       string             `json:"name"`
	Venue      string             `json:"venue"`
	Pair       string             `json:"pair"`
	Pairs      []string           `json:"pairs,omitempty"`
	EngineType string             `json:"engine_type"`
	Params     map[string]float64 `json:"params"`
	Enabled    bool               `json:"enabled"`
	Owner      string             `json:"owner"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Common parameter keys. Unknown keys round-trip untouched.
const (
	ParamSpreadPct       = "spread_pct"
	ParamOrderAmount     = "order_amount"
	ParamRefreshInterval = "refresh_interval_sec"
	ParamLeverage        = "leverage"
)

// RefreshInterval returns the tick interval for the strategy. Zero when the
// parameter is absent or invalid; callers must reject such configs.
func (c StrategyConfig) RefreshInterval() time.Duration {
	sec := c.Params[ParamRefreshInterval]
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}

// AllPairs returns the deduplicated pair list, primary pair first.
func (c StrategyConfig) AllPairs() []string {
	out := make([]string, 0, 1+len(c.Pairs))
	seen := make(map[string]struct{}, 1+len(c.Pairs))
	for _, p := range append([]string{c.Pair}, c.Pairs...) {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// PositionRecord is one append-only position snapshot row.
type PositionRecord struct {
	ID            int64     `json:"id"`
	Account       string    `json:"account"`
	Connector     string    `json:"connector"`
	Pair          string    `json:"pair"`
	Side          string    `json:"side"`
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Leverage      float64   `json:"leverage"`
	Strategy      string    `json:"strategy"`
	Reconciled    bool      `json:"reconciled"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// RuntimeRow mirrors a strategy's live counters for durability.
type RuntimeRow struct {
	Name         string
	IsRunning    bool
	StartedAt    time.Time
	Actions      uint64
	Successes    uint64
	Failures     uint64
	LastActionAt time.Time
	LastError    string
}
