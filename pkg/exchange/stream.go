package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamReadLimit      = 1 << 20
	streamWriteTimeout   = 5 * time.Second
	streamPingInterval   = 20 * time.Second
	maxReconnectInterval = 30 * time.Second
)

// bookStream maintains a single websocket connection carrying best bid/ask
// updates for a growing set of pairs. Subscriptions are extended in place;
// the connection is only re-dialed after a transport failure, and on
// reconnect the full subscription set is replayed.
type bookStream struct {
	url string
	log *zap.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	books   map[string]BookTicker // keyed by pair
	symbols map[string]string     // wire symbol -> pair
	pairs   []string              // insertion order

	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

type streamRequest struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols,omitempty"`
}

type streamMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	BidQty string `json:"bidQty"`
	Ask    string `json:"ask"`
	AskQty string `json:"askQty"`
	TimeMs int64  `json:"ts"`
}

func newBookStream(url string, log *zap.Logger) *bookStream {
	return &bookStream{
		url:     url,
		log:     log,
		books:   make(map[string]BookTicker),
		symbols: make(map[string]string),
		done:    make(chan struct{}),
	}
}

// start dials the stream and runs the read/reconnect loop until the context
// is cancelled. It returns once the first connection attempt has resolved.
func (s *bookStream) start(ctx context.Context, pairs []string) error {
	for _, p := range pairs {
		s.track(p)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.dial(ctx); err != nil {
		cancel()
		return err
	}
	go s.run(runCtx)
	return nil
}

func (s *bookStream) track(pair string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym := symbolFor(pair)
	if _, ok := s.symbols[sym]; !ok {
		s.symbols[sym] = pair
		s.pairs = append(s.pairs, pair)
	}
}

func (s *bookStream) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(streamReadLimit)

	s.mu.Lock()
	s.conn = conn
	subs := make([]string, 0, len(s.pairs))
	for _, p := range s.pairs {
		subs = append(subs, symbolFor(p))
	}
	s.mu.Unlock()

	if len(subs) > 0 {
		if err := s.send(streamRequest{Op: "subscribe", Symbols: subs}); err != nil {
			conn.Close()
			return err
		}
	}
	s.connected.Store(true)
	s.log.Info("market stream connected", zap.String("url", s.url), zap.Int("pairs", len(subs)))
	return nil
}

// run reads messages and reconnects with exponential backoff on failure.
func (s *bookStream) run(ctx context.Context) {
	defer close(s.done)
	pings := time.NewTicker(streamPingInterval)
	defer pings.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pings.C:
				_ = s.send(streamRequest{Op: "ping"})
			}
		}
	}()

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.readLoop(ctx)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("market stream disconnected", zap.Error(err))

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		if err := s.dial(ctx); err != nil {
			s.log.Warn("market stream redial failed", zap.Error(err))
			continue
		}
		backoffCfg.Reset()
	}
}

func (s *bookStream) readLoop(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Debug("unparseable stream message", zap.Error(err))
			continue
		}
		if msg.Type != "bookTicker" {
			continue
		}
		s.apply(msg)
	}
}

func (s *bookStream) apply(msg streamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.symbols[msg.Symbol]
	if !ok {
		return
	}
	bt := BookTicker{
		Pair:     pair,
		BidPrice: parsePrice(msg.Bid),
		BidQty:   parsePrice(msg.BidQty),
		AskPrice: parsePrice(msg.Ask),
		AskQty:   parsePrice(msg.AskQty),
		Time:     time.UnixMilli(msg.TimeMs),
	}
	if msg.TimeMs == 0 {
		bt.Time = time.Now()
	}
	if bt.BidPrice <= 0 || bt.AskPrice <= 0 {
		return
	}
	s.books[pair] = bt
}

// subscribe extends the live subscription set with one pair. Idempotent.
func (s *bookStream) subscribe(ctx context.Context, pair string) error {
	s.mu.RLock()
	_, known := s.symbols[symbolFor(pair)]
	s.mu.RUnlock()
	if known {
		return nil
	}
	s.track(pair)
	if !s.connected.Load() {
		// The reconnect loop replays the full set; nothing more to do.
		return nil
	}
	return s.send(streamRequest{Op: "subscribe", Symbols: []string{symbolFor(pair)}})
}

func (s *bookStream) send(req streamRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(req)
}

func (s *bookStream) bookTicker(pair string) (BookTicker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bt, ok := s.books[pair]
	return bt, ok
}

func (s *bookStream) subscribedPairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// hasData reports whether at least one pair has book data.
func (s *bookStream) hasData() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books) > 0
}

func (s *bookStream) close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(streamWriteTimeout))
		return conn.Close()
	}
	return nil
}
