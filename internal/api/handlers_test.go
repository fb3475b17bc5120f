package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/engine"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/internal/monitor"
	"strategy-orchestrator/internal/registry"
	"strategy-orchestrator/internal/risk"
	"strategy-orchestrator/internal/scheduler"
	"strategy-orchestrator/internal/tracker"
	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	venue := exchange.NewMock("USD", 10000)
	conn := connector.New(venue, log)
	creds := exchange.Credentials{APIKey: "k", APISecret: "s"}
	if err := conn.Initialize(context.Background(), []string{"BTC-USD"}, creds, true); err != nil {
		t.Fatalf("init connector: %v", err)
	}

	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	riskMgr := risk.NewManager(conn, bus, risk.Limits{}, "USD", time.Second, log)
	deps := engine.Deps{Orders: conn, Risk: riskMgr, Bus: bus, Metrics: metrics, Log: log}
	reg := registry.New(store, conn, bus, deps, 10, log)
	trk := tracker.New(conn, store, reg, bus, metrics, 30*time.Second, 5*time.Minute, log)
	loop := scheduler.New(time.Second, 0, "BTC-USD", reg, conn, riskMgr, metrics, log)

	meta := SystemMeta{Venue: "mock", Pairs: []string{"BTC-USD"}, MockVenue: true, StartedAt: time.Now()}
	srv := NewServer(reg, trk, riskMgr, loop, conn, metrics, bus, meta, testSecret, log)
	return srv, reg
}

func doRequest(srv *Server, method, path, identity string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	return w
}

func createBody(name, pair string) map[string]any {
	return map[string]any{
		"name":        name,
		"pair":        pair,
		"engine_type": engine.TypeObserver,
		"params":      map[string]float64{db.ParamRefreshInterval: 5},
	}
}

func TestHealthNeedsNoIdentity(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
}

func TestMissingIdentityRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/api/strategies", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestBearerTokenFallback(t *testing.T) {
	srv, _ := newTestServer(t)

	token, err := GenerateToken("alice", testSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/strategies", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/strategies", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", w.Code)
	}
}

func TestCreateForcesCallerAsOwner(t *testing.T) {
	srv, reg := newTestServer(t)

	body := createBody("alpha", "BTC-USD")
	body["owner"] = "mallory" // must be ignored
	w := doRequest(srv, http.MethodPost, "/api/strategies", "alice", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}

	view, err := reg.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Config.Owner != "alice" {
		t.Fatalf("owner = %q, want caller identity", view.Config.Owner)
	}
}

func TestCreateDuplicateConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	if w := doRequest(srv, http.MethodPost, "/api/strategies", "alice", createBody("alpha", "BTC-USD")); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
	w := doRequest(srv, http.MethodPost, "/api/strategies", "alice", createBody("alpha", "BTC-USD"))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestCreateInvalidConfig(t *testing.T) {
	srv, _ := newTestServer(t)

	body := createBody("alpha", "BTC-USD")
	body["params"] = map[string]float64{} // no refresh interval
	w := doRequest(srv, http.MethodPost, "/api/strategies", "alice", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListScopedToCaller(t *testing.T) {
	srv, _ := newTestServer(t)

	doRequest(srv, http.MethodPost, "/api/strategies", "alice", createBody("alpha", "BTC-USD"))
	doRequest(srv, http.MethodPost, "/api/strategies", "bob", createBody("beta", "ETH-USD"))

	w := doRequest(srv, http.MethodGet, "/api/strategies", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var resp struct {
		Strategies []registry.StrategyView `json:"strategies"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Strategies) != 1 || resp.Strategies[0].Config.Name != "alpha" {
		t.Fatalf("expected only alpha for alice, got %+v", resp.Strategies)
	}
}

func TestOwnerMismatchForbidden(t *testing.T) {
	srv, _ := newTestServer(t)

	doRequest(srv, http.MethodPost, "/api/strategies", "alice", createBody("alpha", "BTC-USD"))

	w := doRequest(srv, http.MethodDelete, "/api/strategies/alpha", "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodPut, "/api/strategies/alpha", "bob",
		map[string]any{"params": map[string]float64{db.ParamRefreshInterval: 3}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on update, got %d", w.Code)
	}
}

func TestGetStrategyDetail(t *testing.T) {
	srv, _ := newTestServer(t)

	doRequest(srv, http.MethodPost, "/api/strategies", "alice", createBody("alpha", "BTC-USD"))

	w := doRequest(srv, http.MethodGet, "/api/strategies/alpha", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Config db.StrategyConfig `json:"config"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Config.Name != "alpha" {
		t.Fatalf("config name = %q", resp.Config.Name)
	}

	w = doRequest(srv, http.MethodGet, "/api/strategies/alpha", "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for other owner, got %d", w.Code)
	}
}

func TestUnknownStrategyNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodDelete, "/api/strategies/ghost", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRemoveWithCleanupFlags(t *testing.T) {
	srv, reg := newTestServer(t)

	doRequest(srv, http.MethodPost, "/api/strategies", "alice", createBody("alpha", "BTC-USD"))

	w := doRequest(srv, http.MethodDelete, "/api/strategies/alpha?closePositions=true&cancelOrders=true", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Removed bool                   `json:"removed"`
		Cleanup registry.CleanupReport `json:"cleanup"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Removed {
		t.Fatal("expected removed=true")
	}
	if reg.Count() != 0 {
		t.Fatal("strategy still registered")
	}
}

func TestUpdateParams(t *testing.T) {
	srv, reg := newTestServer(t)

	doRequest(srv, http.MethodPost, "/api/strategies", "alice", createBody("alpha", "BTC-USD"))

	w := doRequest(srv, http.MethodPut, "/api/strategies/alpha", "alice",
		map[string]any{"params": map[string]float64{db.ParamRefreshInterval: 2}})
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", w.Code, w.Body.String())
	}
	view, err := reg.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Config.RefreshInterval() != 2*time.Second {
		t.Fatalf("params not applied: %v", view.Config.Params)
	}
}

func TestUpdateAcceptsFullConfigShape(t *testing.T) {
	srv, reg := newTestServer(t)

	doRequest(srv, http.MethodPost, "/api/strategies", "alice", createBody("alpha", "BTC-USD"))

	// Clients may echo back the whole config as long as nothing but params
	// differs from what is registered.
	body := createBody("alpha", "BTC-USD")
	body["params"] = map[string]float64{db.ParamRefreshInterval: 3}
	w := doRequest(srv, http.MethodPut, "/api/strategies/alpha", "alice", body)
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", w.Code, w.Body.String())
	}
	view, err := reg.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Config.RefreshInterval() != 3*time.Second {
		t.Fatalf("params not applied: %v", view.Config.Params)
	}
}

func TestUpdateRejectsImmutableFieldChange(t *testing.T) {
	srv, _ := newTestServer(t)

	doRequest(srv, http.MethodPost, "/api/strategies", "alice", createBody("alpha", "BTC-USD"))

	body := createBody("alpha", "ETH-USD") // pair differs from registered config
	body["params"] = map[string]float64{db.ParamRefreshInterval: 3}
	w := doRequest(srv, http.MethodPut, "/api/strategies/alpha", "alice", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on pair change, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "IMMUTABLE_FIELD" {
		t.Fatalf("code = %q, want IMMUTABLE_FIELD", resp.Code)
	}

	body = createBody("alpha", "BTC-USD")
	body["engine_type"] = engine.TypeSpread
	body["params"] = map[string]float64{db.ParamRefreshInterval: 3}
	w = doRequest(srv, http.MethodPut, "/api/strategies/alpha", "alice", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on engine change, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/api/status", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["venue"] != "mock" {
		t.Fatalf("unexpected status body: %v", resp)
	}
	if _, ok := resp["actions"]; !ok {
		t.Fatalf("status must report action counts: %v", resp)
	}
	if _, ok := resp["loop"]; !ok {
		t.Fatalf("status must report loop state: %v", resp)
	}
}

func TestForceSyncAndPositions(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/api/positions/force-sync", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("force-sync = %d: %s", w.Code, w.Body.String())
	}
	w = doRequest(srv, http.MethodGet, "/api/positions", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("positions = %d", w.Code)
	}
}
