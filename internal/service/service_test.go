package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/auth"
	"github.com/betmesh/exchange-engine/internal/engine"
	"github.com/betmesh/exchange-engine/internal/escrow"
	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/service"
	"github.com/betmesh/exchange-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const admin = "admin"

type env struct {
	router chi.Router
	store  *store.MemoryStore
	esc    *escrow.Memory
	crank  *service.Crank
}

// newTestEnv wires an in-memory engine behind the HTTP service.
func newTestEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	esc := escrow.NewMemory()
	eng := engine.New(engine.Config{
		Store:  ms,
		Escrow: esc,
		Auth:   auth.NewRegistry(),
	})
	svc := service.NewService(eng, ms, esc, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return &env{
		router: r,
		store:  ms,
		esc:    esc,
		crank:  service.NewCrank(eng, ms, admin, time.Second, nil),
	}
}

func (e *env) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Caller", caller)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// createMarket creates and opens a three-outcome market over HTTP.
func (e *env) createMarket(t *testing.T) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/markets", admin, service.CreateMarketRequest{
		Title:        "test market",
		OutcomeCount: 3,
		Prices:       []decimal.Decimal{d(2.0), d(3.0), d(3.2)},
		DecimalLimit: 2,
		EventStart:   time.Now().Add(time.Hour),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		MarketID string `json:"market_id"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.MarketID == "" {
		t.Fatal("expected generated market_id")
	}

	if w := e.do(t, "POST", "/api/v1/markets/"+resp.MarketID+"/open", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("open market: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return resp.MarketID
}

func (e *env) fund(t *testing.T, purchaser string, amount float64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/wallets/"+purchaser+"/fund", purchaser, service.FundRequest{Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("fund wallet: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// placeOrder submits an order request and returns the order id.
func (e *env) placeOrder(t *testing.T, marketID, purchaser string, outcome int, side model.Side, price, stake float64) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/orders", purchaser, service.OrderRequestBody{
		MarketID:  marketID,
		Purchaser: purchaser,
		Outcome:   outcome,
		Side:      side,
		Price:     d(price),
		Stake:     d(stake),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("place order: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		OrderID string `json:"order_id"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp.OrderID
}

// stepRequest invokes one request-activation crank step over HTTP.
func (e *env) stepRequest(t *testing.T, marketID string) service.StepResponse {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/markets/"+marketID+"/crank/request", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("crank request: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp service.StepResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

func (e *env) drainMatches(t *testing.T, marketID string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		w := e.do(t, "POST", "/api/v1/markets/"+marketID+"/crank/match", admin, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("crank match: expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp service.StepResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		if !resp.Processed {
			return
		}
	}
	t.Fatal("match queue did not drain")
}

// --- Market lifecycle ---

func TestCreateAndOpenMarket(t *testing.T) {
	e := newTestEnv(t)
	marketID := e.createMarket(t)

	w := e.do(t, "GET", "/api/v1/markets/"+marketID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.Status != model.MarketOpen {
		t.Errorf("expected OPEN, got %s", m.Status)
	}
	if len(m.Prices) != 3 {
		t.Errorf("expected 3 ladder prices, got %d", len(m.Prices))
	}
}

func TestUnknownMarketReturns404(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/markets/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCreateMarketRejectsBadLadder(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/v1/markets", admin, service.CreateMarketRequest{
		Title:        "bad",
		OutcomeCount: 2,
		Prices:       []decimal.Decimal{d(0.5)}, // decimal odds must exceed 1
		EventStart:   time.Now().Add(time.Hour),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Order intake and crank ---

func TestOrderIntakeAndActivation(t *testing.T) {
	e := newTestEnv(t)
	marketID := e.createMarket(t)
	e.fund(t, "alice", 1000)

	orderID := e.placeOrder(t, marketID, "alice", 0, model.SideFor, 2.0, 10)

	// Queued, not yet active.
	if w := e.do(t, "GET", "/api/v1/orders/"+orderID, "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("order should not exist before activation, got %d", w.Code)
	}

	step := e.stepRequest(t, marketID)
	if !step.Processed || step.Rejection != "" {
		t.Fatalf("expected clean activation, got %+v", step)
	}

	w := e.do(t, "GET", "/api/v1/orders/"+orderID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after activation, got %d", w.Code)
	}
	var o model.Order
	json.Unmarshal(w.Body.Bytes(), &o)
	if o.Status != model.OrderOpen {
		t.Errorf("expected OPEN, got %s", o.Status)
	}

	// Queue is now empty.
	if step := e.stepRequest(t, marketID); step.Processed {
		t.Error("expected processed=false on empty queue")
	}
}

func TestOrderRequestRequiresPurchaserCaller(t *testing.T) {
	e := newTestEnv(t)
	marketID := e.createMarket(t)
	e.fund(t, "alice", 1000)

	w := e.do(t, "POST", "/api/v1/orders", "mallory", service.OrderRequestBody{
		MarketID:  marketID,
		Purchaser: "alice",
		Outcome:   0,
		Side:      model.SideFor,
		Price:     d(2.0),
		Stake:     d(10),
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOrderRequestRejectsBadSide(t *testing.T) {
	e := newTestEnv(t)
	marketID := e.createMarket(t)

	w := e.do(t, "POST", "/api/v1/orders", "alice", map[string]any{
		"market_id": marketID,
		"purchaser": "alice",
		"outcome":   0,
		"side":      "MAYBE",
		"price":     "2.0",
		"stake":     "10",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestInsufficientFundsRejectionReported(t *testing.T) {
	e := newTestEnv(t)
	marketID := e.createMarket(t)
	// alice is never funded.
	e.placeOrder(t, marketID, "alice", 0, model.SideFor, 2.0, 10)

	step := e.stepRequest(t, marketID)
	if !step.Processed {
		t.Fatal("rejected request should still be consumed")
	}
	if step.Rejection == "" {
		t.Error("expected rejection reason for unfunded purchaser")
	}
}

// --- Matching through the HTTP surface ---

func TestMatchProducesTrade(t *testing.T) {
	e := newTestEnv(t)
	marketID := e.createMarket(t)
	e.fund(t, "alice", 1000)
	e.fund(t, "bob", 1000)

	e.placeOrder(t, marketID, "alice", 0, model.SideFor, 2.0, 10)
	e.placeOrder(t, marketID, "bob", 0, model.SideAgainst, 2.0, 10)
	e.stepRequest(t, marketID)
	e.stepRequest(t, marketID)
	e.drainMatches(t, marketID)

	w := e.do(t, "GET", "/api/v1/markets/"+marketID+"/trades", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if !trades[0].Stake.Equal(d(10)) {
		t.Errorf("expected stake 10, got %s", trades[0].Stake)
	}
}

func TestCancelByWrongCallerForbidden(t *testing.T) {
	e := newTestEnv(t)
	marketID := e.createMarket(t)
	e.fund(t, "alice", 1000)

	orderID := e.placeOrder(t, marketID, "alice", 0, model.SideFor, 2.0, 10)
	e.stepRequest(t, marketID)
	e.drainMatches(t, marketID)

	w := e.do(t, "POST", "/api/v1/orders/"+orderID+"/cancel", "mallory", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, "POST", "/api/v1/orders/"+orderID+"/cancel", "alice", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSettlementConflictsMapTo409(t *testing.T) {
	e := newTestEnv(t)
	marketID := e.createMarket(t)

	w := e.do(t, "POST", "/api/v1/markets/"+marketID+"/settle", admin, service.SettleMarketRequest{WinningOutcome: 0})
	if w.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = e.do(t, "POST", "/api/v1/markets/"+marketID+"/settle", admin, service.SettleMarketRequest{WinningOutcome: 1})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on second settle, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Crank driver ---

func TestCrankSweepDrivesFullLifecycle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	marketID := e.createMarket(t)
	e.fund(t, "alice", 1000)
	e.fund(t, "bob", 1000)

	e.placeOrder(t, marketID, "alice", 0, model.SideFor, 2.0, 10)
	e.placeOrder(t, marketID, "bob", 0, model.SideAgainst, 2.0, 10)

	// One sweep activates and matches both orders.
	e.crank.Sweep(ctx)

	w := e.do(t, "GET", "/api/v1/markets/"+marketID+"/trades", "", nil)
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade after sweep, got %d", len(trades))
	}

	// Declare the winner, then let the sweep settle orders and positions.
	if w := e.do(t, "POST", "/api/v1/markets/"+marketID+"/settle", admin, service.SettleMarketRequest{WinningOutcome: 0}); w.Code != http.StatusOK {
		t.Fatalf("settle market: %d: %s", w.Code, w.Body.String())
	}
	e.crank.Sweep(ctx)

	w = e.do(t, "GET", "/api/v1/markets/"+marketID, "", nil)
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.Status != model.MarketSettled {
		t.Fatalf("expected SETTLED after sweep, got %s", m.Status)
	}

	// Winner receives the full pot, loser nothing beyond their refund.
	if got := e.esc.WalletBalance("alice"); !got.Equal(d(1010)) {
		t.Errorf("alice wallet: expected 1010, got %s", got)
	}
	if got := e.esc.WalletBalance("bob"); !got.Equal(d(990)) {
		t.Errorf("bob wallet: expected 990, got %s", got)
	}
}

func TestCrankSweepVoidsMarket(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	marketID := e.createMarket(t)
	e.fund(t, "alice", 1000)

	e.placeOrder(t, marketID, "alice", 0, model.SideFor, 2.0, 10)
	e.crank.Sweep(ctx)

	if w := e.do(t, "POST", "/api/v1/markets/"+marketID+"/void", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("void market: %d: %s", w.Code, w.Body.String())
	}
	e.crank.Sweep(ctx)

	w := e.do(t, "GET", "/api/v1/markets/"+marketID, "", nil)
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.Status != model.MarketVoided {
		t.Fatalf("expected VOIDED after sweep, got %s", m.Status)
	}
	if got := e.esc.WalletBalance("alice"); !got.Equal(d(1000)) {
		t.Errorf("alice wallet: expected full refund to 1000, got %s", got)
	}
}

// --- Liquidity queries ---

func TestLiquiditiesReflectRestingOrders(t *testing.T) {
	e := newTestEnv(t)
	marketID := e.createMarket(t)
	e.fund(t, "alice", 1000)

	e.placeOrder(t, marketID, "alice", 0, model.SideFor, 2.0, 10)
	e.stepRequest(t, marketID)
	e.drainMatches(t, marketID)

	w := e.do(t, "GET", "/api/v1/markets/"+marketID+"/liquidities", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var ml liquidity.MarketLiquidities
	json.Unmarshal(w.Body.Bytes(), &ml)
	if len(ml.For) != 1 {
		t.Fatalf("expected 1 liquidity point, got %d", len(ml.For))
	}
	if !ml.For[0].Liquidity.Equal(d(10)) {
		t.Errorf("expected liquidity 10, got %s", ml.For[0].Liquidity)
	}
}
