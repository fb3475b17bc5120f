package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// restClient is a thin signed HTTP client for the venue's execution and
// account endpoints. Request signing follows the common
// HMAC-SHA256-over-query-string scheme.
type restClient struct {
	baseURL string
	creds   Credentials
	http    *http.Client
}

func newRestClient(baseURL string, creds Credentials) *restClient {
	return &restClient{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *restClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *restClient) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()
	if !c.creds.Empty() {
		query += "&signature=" + c.sign(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if !c.creds.Empty() {
		req.Header.Set("X-API-KEY", c.creds.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type restOrderAck struct {
	OrderID  string `json:"orderId"`
	ClientID string `json:"clientOrderId"`
	Status   string `json:"status"`
}

func (c *restClient) placeOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbolFor(req.Pair))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Qty, 'f', -1, 64))
	if req.Type == OrderTypeLimit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.Leverage > 0 {
		params.Set("leverage", strconv.Itoa(req.Leverage))
	}

	var ack restOrderAck
	if err := c.do(ctx, http.MethodPost, "/v1/order", params, &ack); err != nil {
		return OrderResult{}, err
	}
	status := OrderStatus(ack.Status)
	if status == "" {
		status = StatusNew
	}
	return OrderResult{OrderID: ack.OrderID, ClientID: ack.ClientID, Status: status}, nil
}

type restOrder struct {
	OrderID string `json:"orderId"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Qty     string `json:"origQty"`
	Price   string `json:"price"`
	TimeMs  int64  `json:"time"`
}

func (c *restClient) openOrders(ctx context.Context, pair string) ([]OpenOrder, error) {
	params := url.Values{}
	if pair != "" {
		params.Set("symbol", symbolFor(pair))
	}
	var raw []restOrder
	if err := c.do(ctx, http.MethodGet, "/v1/openOrders", params, &raw); err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, OpenOrder{
			OrderID:   o.OrderID,
			Pair:      pair,
			Side:      Side(o.Side),
			Qty:       parsePrice(o.Qty),
			Price:     parsePrice(o.Price),
			CreatedAt: time.UnixMilli(o.TimeMs),
		})
	}
	return out, nil
}

type restCancelAck struct {
	Cancelled int `json:"cancelled"`
}

func (c *restClient) cancelOpenOrders(ctx context.Context, pair string) (int, error) {
	params := url.Values{}
	params.Set("symbol", symbolFor(pair))
	var ack restCancelAck
	if err := c.do(ctx, http.MethodDelete, "/v1/openOrders", params, &ack); err != nil {
		return 0, err
	}
	return ack.Cancelled, nil
}

type restPosition struct {
	Account       string `json:"account"`
	Symbol        string `json:"symbol"`
	PositionAmt   string `json:"positionAmt"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealizedPnL string `json:"unRealizedProfit"`
	Leverage      string `json:"leverage"`
}

func (c *restClient) positions(ctx context.Context, pairBySymbol func(string) string) ([]Position, error) {
	var raw []restPosition
	if err := c.do(ctx, http.MethodGet, "/v1/positionRisk", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		qty := parsePrice(p.PositionAmt)
		side := SideBuy
		if qty < 0 {
			side = SideSell
			qty = -qty
		}
		pair := p.Symbol
		if mapped := pairBySymbol(p.Symbol); mapped != "" {
			pair = mapped
		}
		out = append(out, Position{
			Account:       p.Account,
			Pair:          pair,
			Side:          side,
			Qty:           qty,
			EntryPrice:    parsePrice(p.EntryPrice),
			MarkPrice:     parsePrice(p.MarkPrice),
			UnrealizedPnL: parsePrice(p.UnrealizedPnL),
			Leverage:      parsePrice(p.Leverage),
		})
	}
	return out, nil
}

type restBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

func (c *restClient) balances(ctx context.Context) ([]Balance, error) {
	var raw []restBalance
	if err := c.do(ctx, http.MethodGet, "/v1/balances", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(raw))
	for _, b := range raw {
		out = append(out, Balance{Asset: b.Asset, Free: parsePrice(b.Free), Locked: parsePrice(b.Locked)})
	}
	return out, nil
}

func parsePrice(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
