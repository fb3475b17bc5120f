// Package exchange holds venue-generic market data and execution types plus
// a websocket/REST client pair and an in-memory mock venue.
package exchange

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoBook is returned when a pair has no order book data yet.
var ErrNoBook = errors.New("no order book for pair")

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
)

// Credentials are venue API credentials. Empty credentials mean data-only
// access.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Empty reports whether no credentials were supplied.
func (c Credentials) Empty() bool { return c.APIKey == "" && c.APISecret == "" }

// OrderRequest captures an order intent to be sent to the venue.
type OrderRequest struct {
	Pair       string
	Side       Side
	Type       OrderType
	Qty        float64
	Price      float64 // required for LIMIT
	ClientID   string
	ReduceOnly bool
	Leverage   int
}

// OrderResult returns the venue ack.
type OrderResult struct {
	OrderID  string
	ClientID string
	Status   OrderStatus
}

// OpenOrder is a resting order as reported by the venue.
type OpenOrder struct {
	OrderID   string
	Pair      string
	Side      Side
	Qty       float64
	Price     float64
	CreatedAt time.Time
}

// Position is a venue-reported position.
type Position struct {
	Account       string
	Pair          string
	Side          Side
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
}

// Balance is one asset balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// BookTicker is the raw best bid/ask view maintained by the stream.
type BookTicker struct {
	Pair     string
	BidPrice float64
	BidQty   float64
	AskPrice float64
	AskQty   float64
	Time     time.Time
}

// Snapshot is an immutable point-in-time market view for one pair, shared by
// pointer between all strategies that need it.
type Snapshot struct {
	Pair   string
	Bid    float64
	Ask    float64
	Mid    float64
	Time   time.Time
	Source string
}

// SnapshotFrom builds a Snapshot from a book ticker.
func SnapshotFrom(bt BookTicker, source string) *Snapshot {
	return &Snapshot{
		Pair:   bt.Pair,
		Bid:    bt.BidPrice,
		Ask:    bt.AskPrice,
		Mid:    (bt.BidPrice + bt.AskPrice) / 2,
		Time:   bt.Time,
		Source: source,
	}
}

// Venue abstracts a single trading venue session: one live market data
// connection plus an execution surface.
type Venue interface {
	Connect(ctx context.Context, pairs []string) error
	Subscribe(ctx context.Context, pair string) error
	SubscribedPairs() []string
	BookTicker(pair string) (BookTicker, bool)
	Ready() bool

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	OpenOrders(ctx context.Context, pair string) ([]OpenOrder, error)
	CancelOpenOrders(ctx context.Context, pair string) (int, error)
	Positions(ctx context.Context) ([]Position, error)
	Balances(ctx context.Context) ([]Balance, error)

	Name() string
	Close() error
}

// BaseAsset returns the base asset of a "BASE-QUOTE" pair.
func BaseAsset(pair string) string {
	if i := strings.Index(pair, "-"); i > 0 {
		return pair[:i]
	}
	return pair
}

// QuoteAsset returns the quote asset of a "BASE-QUOTE" pair.
func QuoteAsset(pair string) string {
	if i := strings.Index(pair, "-"); i >= 0 && i+1 < len(pair) {
		return pair[i+1:]
	}
	return ""
}

// symbolFor converts "BTC-USD" into the compact wire symbol "BTCUSD".
func symbolFor(pair string) string {
	return strings.ReplaceAll(pair, "-", "")
}
