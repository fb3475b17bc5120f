package exchange

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// MockVenue is an in-memory venue for dry runs and tests. Market data is a
// simple random walk per pair; market orders fill immediately against the
// mid price and adjust a netted per-pair position.
type MockVenue struct {
	mu        sync.RWMutex
	pairs     []string
	books     map[string]BookTicker
	open      []OpenOrder
	positions map[string]Position
	balances  map[string]float64
	nextID    int
	cancel    context.CancelFunc

	// StartPrice and Step shape the random walk. Interval 0 disables the
	// walk so tests can drive books via SetBook.
	StartPrice float64
	Step       float64
	Interval   time.Duration
	Account    string
}

// NewMock creates a mock venue with the given quote balance.
func NewMock(quoteAsset string, quoteBalance float64) *MockVenue {
	return &MockVenue{
		books:      make(map[string]BookTicker),
		positions:  make(map[string]Position),
		balances:   map[string]float64{quoteAsset: quoteBalance},
		StartPrice: 100,
		Step:       0.5,
		Account:    "mock",
	}
}

func (m *MockVenue) Name() string { return "mock" }

func (m *MockVenue) Connect(ctx context.Context, pairs []string) error {
	for _, p := range pairs {
		m.seed(p)
	}
	if m.Interval > 0 {
		walkCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.walk(walkCtx)
	}
	return nil
}

func (m *MockVenue) seed(pair string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[pair]; ok {
		return
	}
	m.pairs = append(m.pairs, pair)
	px := m.StartPrice
	m.books[pair] = BookTicker{
		Pair: pair, BidPrice: px - m.Step/2, BidQty: 10,
		AskPrice: px + m.Step/2, AskQty: 10, Time: time.Now(),
	}
}

func (m *MockVenue) walk(ctx context.Context) {
	t := time.NewTicker(m.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.mu.Lock()
			for pair, bt := range m.books {
				mid := (bt.BidPrice + bt.AskPrice) / 2
				mid += (rand.Float64()*2 - 1) * m.Step
				bt.BidPrice = mid - m.Step/2
				bt.AskPrice = mid + m.Step/2
				bt.Time = time.Now()
				m.books[pair] = bt
			}
			m.mu.Unlock()
		}
	}
}

func (m *MockVenue) Subscribe(_ context.Context, pair string) error {
	m.seed(pair)
	return nil
}

func (m *MockVenue) SubscribedPairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// SetBook overrides market data for a pair; used by tests.
func (m *MockVenue) SetBook(pair string, bid, ask float64) {
	m.seed(pair)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[pair] = BookTicker{Pair: pair, BidPrice: bid, BidQty: 10, AskPrice: ask, AskQty: 10, Time: time.Now()}
}

// SetPosition overrides a venue position; used by tests.
func (m *MockVenue) SetPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Account == "" {
		p.Account = m.Account
	}
	if p.Qty == 0 {
		delete(m.positions, p.Pair)
		return
	}
	m.positions[p.Pair] = p
}

func (m *MockVenue) BookTicker(pair string) (BookTicker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bt, ok := m.books[pair]
	return bt, ok
}

func (m *MockVenue) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.books) > 0
}

func (m *MockVenue) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := "mock-" + strconv.Itoa(m.nextID)

	if req.Type == OrderTypeLimit {
		m.open = append(m.open, OpenOrder{
			OrderID: id, Pair: req.Pair, Side: req.Side,
			Qty: req.Qty, Price: req.Price, CreatedAt: time.Now(),
		})
		return OrderResult{OrderID: id, ClientID: req.ClientID, Status: StatusNew}, nil
	}

	// Market orders fill at mid and net into the position.
	bt := m.books[req.Pair]
	fill := (bt.BidPrice + bt.AskPrice) / 2
	pos := m.positions[req.Pair]
	signed := pos.Qty
	if pos.Side == SideSell {
		signed = -signed
	}
	if req.Side == SideBuy {
		signed += req.Qty
	} else {
		signed -= req.Qty
	}
	if signed == 0 {
		delete(m.positions, req.Pair)
	} else {
		side := SideBuy
		qty := signed
		if signed < 0 {
			side = SideSell
			qty = -signed
		}
		m.positions[req.Pair] = Position{
			Account: m.Account, Pair: req.Pair, Side: side, Qty: qty,
			EntryPrice: fill, MarkPrice: fill, Leverage: float64(max(req.Leverage, 1)),
		}
	}
	return OrderResult{OrderID: id, ClientID: req.ClientID, Status: StatusFilled}, nil
}

func (m *MockVenue) OpenOrders(_ context.Context, pair string) ([]OpenOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []OpenOrder
	for _, o := range m.open {
		if pair == "" || o.Pair == pair {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockVenue) CancelOpenOrders(_ context.Context, pair string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.open[:0]
	cancelled := 0
	for _, o := range m.open {
		if o.Pair == pair {
			cancelled++
			continue
		}
		kept = append(kept, o)
	}
	m.open = kept
	return cancelled, nil
}

func (m *MockVenue) Positions(_ context.Context) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *MockVenue) Balances(_ context.Context) ([]Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Balance, 0, len(m.balances))
	for asset, free := range m.balances {
		out = append(out, Balance{Asset: asset, Free: free})
	}
	return out, nil
}

func (m *MockVenue) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}
