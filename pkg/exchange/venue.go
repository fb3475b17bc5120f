package exchange

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ErrNoCredentials is returned from execution paths when the venue was opened
// without API credentials.
var ErrNoCredentials = errors.New("venue opened without credentials")

// LiveConfig configures a live venue session.
type LiveConfig struct {
	Name        string
	StreamURL   string
	RestURL     string
	Credentials Credentials
}

// LiveVenue is a single real venue session: one websocket market data stream
// plus a signed REST execution client.
type LiveVenue struct {
	name   string
	stream *bookStream
	rest   *restClient
	creds  Credentials
	log    *zap.Logger
}

// NewLive builds a live venue. Connect must be called before use.
func NewLive(cfg LiveConfig, log *zap.Logger) *LiveVenue {
	name := cfg.Name
	if name == "" {
		name = "live"
	}
	return &LiveVenue{
		name:   name,
		stream: newBookStream(cfg.StreamURL, log.Named("stream")),
		rest:   newRestClient(cfg.RestURL, cfg.Credentials),
		creds:  cfg.Credentials,
		log:    log,
	}
}

func (v *LiveVenue) Name() string { return v.name }

// Connect dials the market stream and subscribes the initial pair set.
func (v *LiveVenue) Connect(ctx context.Context, pairs []string) error {
	return v.stream.start(ctx, pairs)
}

// Subscribe extends the market stream with one more pair without dropping
// existing subscriptions.
func (v *LiveVenue) Subscribe(ctx context.Context, pair string) error {
	return v.stream.subscribe(ctx, pair)
}

func (v *LiveVenue) SubscribedPairs() []string { return v.stream.subscribedPairs() }

func (v *LiveVenue) BookTicker(pair string) (BookTicker, bool) {
	return v.stream.bookTicker(pair)
}

// Ready is relaxed: book data for at least one pair counts as ready even if
// the venue never sends an explicit ready signal.
func (v *LiveVenue) Ready() bool {
	return v.stream.hasData()
}

func (v *LiveVenue) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if v.creds.Empty() {
		return OrderResult{}, ErrNoCredentials
	}
	return v.rest.placeOrder(ctx, req)
}

func (v *LiveVenue) OpenOrders(ctx context.Context, pair string) ([]OpenOrder, error) {
	if v.creds.Empty() {
		return nil, ErrNoCredentials
	}
	return v.rest.openOrders(ctx, pair)
}

func (v *LiveVenue) CancelOpenOrders(ctx context.Context, pair string) (int, error) {
	if v.creds.Empty() {
		return 0, ErrNoCredentials
	}
	return v.rest.cancelOpenOrders(ctx, pair)
}

func (v *LiveVenue) Positions(ctx context.Context) ([]Position, error) {
	if v.creds.Empty() {
		return nil, ErrNoCredentials
	}
	return v.rest.positions(ctx, v.pairBySymbol)
}

func (v *LiveVenue) Balances(ctx context.Context) ([]Balance, error) {
	if v.creds.Empty() {
		return nil, ErrNoCredentials
	}
	return v.rest.balances(ctx)
}

func (v *LiveVenue) Close() error {
	return v.stream.close()
}

// pairBySymbol maps a compact wire symbol back to its subscribed pair.
func (v *LiveVenue) pairBySymbol(symbol string) string {
	for _, p := range v.stream.subscribedPairs() {
		if strings.EqualFold(symbolFor(p), symbol) {
			return p
		}
	}
	return ""
}
