// Package service exposes the exchange engine over HTTP: market
// administration, order intake, crank steps, settlement, and read-side
// queries. Handlers translate engine sentinel errors into HTTP statuses
// and broadcast state changes over the WebSocket hub.
//
// All monetary values use shopspring/decimal — never float64 for money.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/auth"
	"github.com/betmesh/exchange-engine/internal/engine"
	"github.com/betmesh/exchange-engine/internal/escrow"
	"github.com/betmesh/exchange-engine/internal/ladder"
	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/product"
	"github.com/betmesh/exchange-engine/internal/queue"
	"github.com/betmesh/exchange-engine/internal/risk"
	"github.com/betmesh/exchange-engine/internal/store"
)

// callerHeader carries the caller identity for authorization checks.
// A real deployment would derive this from a verified token; the engine
// only needs a stable principal string.
const callerHeader = "X-Caller"

// Service wires the engine's operations to HTTP handlers.
type Service struct {
	engine *engine.Engine
	store  store.Store
	wallet *escrow.Memory // nil when wallet endpoints are disabled
	hub    *WSHub         // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP service. Pass nil for wallet to disable the
// funding endpoints, and nil for hub if WebSocket broadcasting is not
// needed.
func NewService(eng *engine.Engine, st store.Store, wallet *escrow.Memory, hub *WSHub) *Service {
	return &Service{engine: eng, store: st, wallet: wallet, hub: hub}
}

// Routes mounts every handler under the given router.
func (s *Service) Routes(r chi.Router) {
	r.Route("/markets", func(r chi.Router) {
		r.Get("/", s.ListMarkets)
		r.Post("/", s.CreateMarket)
		r.Route("/{marketID}", func(r chi.Router) {
			r.Get("/", s.GetMarket)
			r.Post("/open", s.OpenMarket)
			r.Post("/lock", s.LockMarket)
			r.Post("/inplay", s.MoveMarketToInplay)
			r.Post("/settle", s.SettleMarket)
			r.Post("/void", s.VoidMarket)
			r.Get("/liquidities", s.GetLiquidities)
			r.Post("/liquidities", s.UpdateLiquidities)
			r.Get("/trades", s.ListTrades)
			r.Get("/commissions", s.ListCommissions)
			r.Post("/crank/request", s.ProcessNextOrderRequest)
			r.Post("/crank/match", s.ProcessNextMatchTick)
			r.Route("/positions/{purchaser}", func(r chi.Router) {
				r.Get("/", s.GetPosition)
				r.Post("/settle", s.SettlePosition)
				r.Post("/void", s.VoidPosition)
				r.Post("/close", s.ClosePosition)
			})
		})
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", s.CreateOrderRequest)
		r.Route("/{orderID}", func(r chi.Router) {
			r.Get("/", s.GetOrder)
			r.Post("/cancel", s.CancelOrder)
			r.Post("/settle", s.SettleOrder)
			r.Post("/void", s.VoidOrder)
			r.Post("/close", s.CloseOrder)
		})
	})

	if s.wallet != nil {
		r.Route("/wallets/{purchaser}", func(r chi.Router) {
			r.Get("/", s.GetWallet)
			r.Post("/fund", s.FundWallet)
		})
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	OutcomeCount   int               `json:"outcome_count"`
	Prices         []decimal.Decimal `json:"prices"`
	DecimalLimit   int32             `json:"decimal_limit"`
	InPlayEnabled  bool              `json:"in_play_enabled"`
	InPlayDelaySec int               `json:"in_play_delay_seconds"`
	EventStart     time.Time         `json:"event_start"`
}

// OrderRequestBody is the JSON body for order submission.
type OrderRequestBody struct {
	MarketID  string          `json:"market_id"`
	Purchaser string          `json:"purchaser"`
	Outcome   int             `json:"outcome"`
	Side      model.Side      `json:"side"` // "FOR" or "AGAINST"
	Price     decimal.Decimal `json:"price"`
	Stake     decimal.Decimal `json:"stake"`
	Product   string          `json:"product"`
	ExpiresAt time.Time       `json:"expires_at"` // zero = no expiry
}

// SettleMarketRequest names the winning outcome.
type SettleMarketRequest struct {
	WinningOutcome int `json:"winning_outcome"`
}

// UpdateLiquiditiesRequest asks the engine to synthesize a cross point
// for targetOutcome from the listed source (outcome, price) pairs.
type UpdateLiquiditiesRequest struct {
	Side          model.Side         `json:"side"`
	TargetOutcome int                `json:"target_outcome"`
	Sources       []liquidity.Source `json:"sources"`
}

// StepResponse reports the result of one crank step. Processed is false
// when the queue was empty.
type StepResponse struct {
	Processed bool           `json:"processed"`
	Touched   engine.Touched `json:"touched,omitempty"`
	Rejection string         `json:"rejection,omitempty"`
}

// TouchedResponse is returned by every mutating engine operation.
type TouchedResponse struct {
	Touched engine.Touched `json:"touched"`
}

// FundRequest is the JSON body for wallet funding.
type FundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	touched, err := s.engine.CreateMarket(r.Context(), caller(r), engine.CreateMarketParams{
		ID:            req.ID,
		Title:         req.Title,
		OutcomeCount:  req.OutcomeCount,
		Prices:        req.Prices,
		DecimalLimit:  req.DecimalLimit,
		InPlayEnabled: req.InPlayEnabled,
		InPlayDelay:   time.Duration(req.InPlayDelaySec) * time.Second,
		EventStart:    req.EventStart,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	slog.Info("market created", "id", req.ID, "outcomes", req.OutcomeCount)
	writeJSON(w, http.StatusCreated, struct {
		MarketID string         `json:"market_id"`
		Touched  engine.Touched `json:"touched"`
	}{MarketID: req.ID, Touched: touched})
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// OpenMarket handles POST /api/v1/markets/{marketID}/open.
func (s *Service) OpenMarket(w http.ResponseWriter, r *http.Request) {
	s.marketOp(w, r, s.engine.OpenMarket)
}

// LockMarket handles POST /api/v1/markets/{marketID}/lock.
func (s *Service) LockMarket(w http.ResponseWriter, r *http.Request) {
	s.marketOp(w, r, s.engine.LockMarket)
}

// MoveMarketToInplay handles POST /api/v1/markets/{marketID}/inplay.
func (s *Service) MoveMarketToInplay(w http.ResponseWriter, r *http.Request) {
	s.marketOp(w, r, s.engine.MoveMarketToInplay)
}

// VoidMarket handles POST /api/v1/markets/{marketID}/void.
func (s *Service) VoidMarket(w http.ResponseWriter, r *http.Request) {
	s.marketOp(w, r, s.engine.VoidMarket)
}

// SettleMarket handles POST /api/v1/markets/{marketID}/settle.
func (s *Service) SettleMarket(w http.ResponseWriter, r *http.Request) {
	var req SettleMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	touched, err := s.engine.SettleMarket(r.Context(), caller(r), marketID, req.WinningOutcome)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.broadcast(WSMessage{Type: "market_settled", MarketID: marketID, Touched: touched})
	writeJSON(w, http.StatusOK, TouchedResponse{Touched: touched})
}

// UpdateLiquidities handles POST /api/v1/markets/{marketID}/liquidities.
func (s *Service) UpdateLiquidities(w http.ResponseWriter, r *http.Request) {
	var req UpdateLiquiditiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	touched, err := s.engine.UpdateMarketLiquidities(r.Context(), caller(r), marketID, req.Side, req.TargetOutcome, req.Sources)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TouchedResponse{Touched: touched})
}

// GetLiquidities handles GET /api/v1/markets/{marketID}/liquidities.
func (s *Service) GetLiquidities(w http.ResponseWriter, r *http.Request) {
	ml, err := s.store.GetLiquidities(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ml)
}

// ListTrades handles GET /api/v1/markets/{marketID}/trades.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTradesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListCommissions handles GET /api/v1/markets/{marketID}/commissions.
func (s *Service) ListCommissions(w http.ResponseWriter, r *http.Request) {
	payments, err := s.store.ListCommissionPayments(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if payments == nil {
		payments = []model.CommissionPayment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

// --- Order handlers ---

// CreateOrderRequest handles POST /api/v1/orders. The order is queued,
// not active: collateral moves when a crank step activates it.
func (s *Service) CreateOrderRequest(w http.ResponseWriter, r *http.Request) {
	var req OrderRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideFor && req.Side != model.SideAgainst {
		writeError(w, "side must be FOR or AGAINST", http.StatusBadRequest)
		return
	}

	id, touched, err := s.engine.CreateOrderRequest(r.Context(), caller(r), engine.OrderRequestParams{
		MarketID:  req.MarketID,
		Purchaser: req.Purchaser,
		Outcome:   req.Outcome,
		Side:      req.Side,
		Price:     req.Price,
		Stake:     req.Stake,
		Product:   req.Product,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, struct {
		OrderID string         `json:"order_id"`
		Touched engine.Touched `json:"touched"`
	}{OrderID: id, Touched: touched})
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel. The
// post_event_start query flag selects the in-play cancellation variant.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var touched engine.Touched
	var err error
	if r.URL.Query().Get("post_event_start") == "true" {
		touched, err = s.engine.CancelOrderPostEventStart(r.Context(), caller(r), orderID)
	} else {
		touched, err = s.engine.CancelOrder(r.Context(), caller(r), orderID)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TouchedResponse{Touched: touched})
}

// SettleOrder handles POST /api/v1/orders/{orderID}/settle.
func (s *Service) SettleOrder(w http.ResponseWriter, r *http.Request) {
	s.orderOp(w, r, s.engine.SettleOrder)
}

// VoidOrder handles POST /api/v1/orders/{orderID}/void.
func (s *Service) VoidOrder(w http.ResponseWriter, r *http.Request) {
	s.orderOp(w, r, s.engine.VoidOrder)
}

// CloseOrder handles POST /api/v1/orders/{orderID}/close.
func (s *Service) CloseOrder(w http.ResponseWriter, r *http.Request) {
	s.orderOp(w, r, s.engine.CloseOrder)
}

// --- Position handlers ---

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{purchaser}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.store.GetPosition(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "purchaser"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// SettlePosition handles POST /api/v1/markets/{marketID}/positions/{purchaser}/settle.
func (s *Service) SettlePosition(w http.ResponseWriter, r *http.Request) {
	s.positionOp(w, r, s.engine.SettleMarketPosition)
}

// VoidPosition handles POST /api/v1/markets/{marketID}/positions/{purchaser}/void.
func (s *Service) VoidPosition(w http.ResponseWriter, r *http.Request) {
	s.positionOp(w, r, s.engine.VoidMarketPosition)
}

// ClosePosition handles POST /api/v1/markets/{marketID}/positions/{purchaser}/close.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	s.positionOp(w, r, s.engine.CloseMarketPosition)
}

// --- Crank handlers ---

// ProcessNextOrderRequest handles POST /api/v1/markets/{marketID}/crank/request.
// An empty queue returns processed=false; a consumed-but-rejected request
// returns processed=true with the rejection reason.
func (s *Service) ProcessNextOrderRequest(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	touched, err := s.engine.ProcessNextOrderRequest(r.Context(), caller(r), marketID)
	switch {
	case errors.Is(err, queue.ErrQueueEmpty):
		writeJSON(w, http.StatusOK, StepResponse{Processed: false})
	case err != nil && len(touched) > 0:
		// Request consumed but rejected at activation.
		writeJSON(w, http.StatusOK, StepResponse{Processed: true, Touched: touched, Rejection: err.Error()})
	case err != nil:
		writeEngineError(w, err)
	default:
		s.broadcast(WSMessage{Type: "order_activated", MarketID: marketID, Touched: touched})
		writeJSON(w, http.StatusOK, StepResponse{Processed: true, Touched: touched})
	}
}

// ProcessNextMatchTick handles POST /api/v1/markets/{marketID}/crank/match.
func (s *Service) ProcessNextMatchTick(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	touched, err := s.engine.ProcessNextMatchTick(r.Context(), caller(r), marketID)
	switch {
	case errors.Is(err, queue.ErrQueueEmpty):
		writeJSON(w, http.StatusOK, StepResponse{Processed: false})
	case err != nil:
		writeEngineError(w, err)
	default:
		s.broadcast(WSMessage{Type: "match_tick", MarketID: marketID, Touched: touched})
		writeJSON(w, http.StatusOK, StepResponse{Processed: true, Touched: touched})
	}
}

// --- Wallet handlers (development escrow only) ---

// FundWallet handles POST /api/v1/wallets/{purchaser}/fund.
func (s *Service) FundWallet(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	purchaser := chi.URLParam(r, "purchaser")
	s.wallet.Fund(purchaser, req.Amount)
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"balance": s.wallet.WalletBalance(purchaser),
	})
}

// GetWallet handles GET /api/v1/wallets/{purchaser}.
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"balance": s.wallet.WalletBalance(chi.URLParam(r, "purchaser")),
	})
}

// --- Helpers ---

func (s *Service) marketOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (engine.Touched, error)) {
	touched, err := op(r.Context(), caller(r), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TouchedResponse{Touched: touched})
}

func (s *Service) orderOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (engine.Touched, error)) {
	touched, err := op(r.Context(), caller(r), chi.URLParam(r, "orderID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TouchedResponse{Touched: touched})
}

func (s *Service) positionOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string, string) (engine.Touched, error)) {
	touched, err := op(r.Context(), caller(r), chi.URLParam(r, "marketID"), chi.URLParam(r, "purchaser"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TouchedResponse{Touched: touched})
}

func (s *Service) broadcast(msg WSMessage) {
	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
}

func caller(r *http.Request) string {
	if c := r.Header.Get(callerHeader); c != "" {
		return c
	}
	return "anonymous"
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses:
// authorization → 403, missing accounts → 404, validation → 400,
// sequencing conflicts → 409, retryable timing/backpressure → 429.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), httpStatus(err))
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrNotCrankOperator),
		errors.Is(err, auth.ErrNotPurchaser),
		errors.Is(err, auth.ErrNotMarketAuthority):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInPlayDelay),
		errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrOutcomeIndex),
		errors.Is(err, engine.ErrSynthesizedPrice),
		errors.Is(err, ladder.ErrPriceNotOnLadder),
		errors.Is(err, ladder.ErrInvalidPrice),
		errors.Is(err, ladder.ErrDuplicatePrice),
		errors.Is(err, risk.ErrStakePrecision),
		errors.Is(err, risk.ErrStakeTooSmall),
		errors.Is(err, product.ErrInvalidProductID),
		errors.Is(err, product.ErrUnknownProduct):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrMarketStatus),
		errors.Is(err, engine.ErrOrderNotOpen),
		errors.Is(err, engine.ErrEventStarted),
		errors.Is(err, engine.ErrEventNotStarted),
		errors.Is(err, engine.ErrMatchQueueNotEmpty),
		errors.Is(err, engine.ErrOutcomeDeclared),
		errors.Is(err, engine.ErrOrdersUnsettled),
		errors.Is(err, engine.ErrNotClosable),
		errors.Is(err, risk.ErrMaxStakeExceeded),
		errors.Is(err, risk.ErrMaxExposureExceeded),
		errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
