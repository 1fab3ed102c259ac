package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/escrow"
	"github.com/betmesh/exchange-engine/internal/ladder"
	"github.com/betmesh/exchange-engine/internal/metrics"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/position"
	"github.com/betmesh/exchange-engine/internal/queue"
	"github.com/betmesh/exchange-engine/internal/risk"
)

// positionRecord pairs a loaded position with whether this step created it,
// so the market's unsettled-position counter is bumped exactly once.
type positionRecord struct {
	pos     *position.Position
	created bool
}

func newPosition(m *model.Market, purchaser string) *position.Position {
	return position.New(m.ID, purchaser, m.OutcomeCount)
}

// OrderRequestParams describes an order intent.
type OrderRequestParams struct {
	MarketID  string
	Purchaser string
	Outcome   int
	Side      model.Side
	Price     decimal.Decimal
	Stake     decimal.Decimal
	Product   string
	ExpiresAt time.Time // zero = no expiry
}

// CreateOrderRequest validates an order intent and appends it to the
// market's bounded request queue. No collateral moves here — reservation
// happens at activation, keeping intake cheap and the queue honest about
// backpressure.
func (e *Engine) CreateOrderRequest(ctx context.Context, caller string, p OrderRequestParams) (string, Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.Purchaser(ctx, caller, p.Purchaser); err != nil {
		return "", nil, err
	}
	m, err := e.store.GetMarket(ctx, p.MarketID)
	if err != nil {
		return "", nil, err
	}
	now := e.clock.Now()
	if err := e.acceptsOrders(m, now); err != nil {
		return "", nil, err
	}
	if p.Outcome < 0 || p.Outcome >= m.OutcomeCount {
		return "", nil, fmt.Errorf("%w: %d", ErrOutcomeIndex, p.Outcome)
	}
	lad, err := ladder.New(m.Prices)
	if err != nil {
		return "", nil, err
	}
	if err := lad.Validate(p.Price); err != nil {
		return "", nil, err
	}
	if err := e.risk.CheckStake(p.Stake, m.DecimalLimit); err != nil {
		return "", nil, err
	}
	if _, err := e.products.Rate(p.Product); err != nil {
		return "", nil, err
	}

	rq, err := e.store.GetRequestQueue(ctx, m.ID)
	if err != nil {
		return "", nil, err
	}
	req := model.OrderRequest{
		ID:        uuid.New().String(),
		Purchaser: p.Purchaser,
		MarketID:  m.ID,
		Outcome:   p.Outcome,
		Side:      p.Side,
		Price:     p.Price,
		Stake:     p.Stake,
		Product:   p.Product,
		ExpiresAt: p.ExpiresAt,
		CreatedAt: now,
	}
	if err := rq.Enqueue(req); err != nil {
		return "", nil, err
	}
	if err := e.store.PutRequestQueue(ctx, m.ID, rq); err != nil {
		return "", nil, err
	}
	metrics.RequestQueueDepth.WithLabelValues(m.ID).Set(float64(rq.Len()))

	e.logger.Debug("order request queued",
		"market_id", m.ID, "request_id", req.ID,
		"side", req.Side, "outcome", req.Outcome,
		"price", req.Price, "stake", req.Stake)
	return req.ID, Touched{requestQueueKey(m.ID)}, nil
}

// ProcessNextOrderRequest activates the request at the head of the queue:
// it reserves the purchaser's incremental collateral, creates the Order, and
// either enqueues a match tick against the best acceptable opposing pool or
// rests the order in its own pool.
//
// The request is consumed even when activation rejects it (expired requests
// and requests invalidated by market changes are dropped); the rejection is
// returned so the driver can surface it. In-play delay is the exception: the
// head stays queued and a timing error is returned.
func (e *Engine) ProcessNextOrderRequest(ctx context.Context, caller, marketID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.Crank(ctx, caller); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	rq, err := e.store.GetRequestQueue(ctx, marketID)
	if err != nil {
		return nil, err
	}
	req, err := rq.Peek()
	if err != nil {
		return nil, err // queue.ErrQueueEmpty: no work
	}

	now := e.clock.Now()
	if m.InPlay && now.Before(req.CreatedAt.Add(m.InPlayDelay)) {
		return nil, fmt.Errorf("%w: ready at %s", ErrInPlayDelay, req.CreatedAt.Add(m.InPlayDelay))
	}

	mq, err := e.store.GetMatchQueue(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if mq.Len() == mq.Cap() {
		// Retryable once the matching queue drains.
		return nil, fmt.Errorf("activate: matching queue: %w", queue.ErrQueueFull)
	}

	if _, err := rq.Dequeue(); err != nil {
		return nil, err
	}
	touched := Touched{requestQueueKey(marketID)}
	if err := e.store.PutRequestQueue(ctx, marketID, rq); err != nil {
		return nil, err
	}
	metrics.RequestQueueDepth.WithLabelValues(marketID).Set(float64(rq.Len()))

	if req.Expired(now) {
		metrics.OrderRequestsRejectedTotal.WithLabelValues("expired").Inc()
		e.logger.Info("order request expired", "market_id", marketID, "request_id", req.ID)
		return touched, nil
	}
	if err := e.activate(ctx, m, &req, now, &touched); err != nil {
		metrics.OrderRequestsRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		e.logger.Warn("order request rejected",
			"market_id", marketID, "request_id", req.ID, "error", err)
		return touched, err
	}
	return touched, nil
}

// rejectReason folds an activation error into a bounded metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMarketStatus), errors.Is(err, ErrEventStarted):
		return "market_status"
	case errors.Is(err, ErrSynthesizedPrice):
		return "synthesized_price"
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, risk.ErrMaxStakeExceeded), errors.Is(err, risk.ErrMaxExposureExceeded):
		return "risk_limit"
	default:
		return "other"
	}
}

// activate performs the collateral reservation and book entry for one
// dequeued request. Validation failures here reject without persisting
// anything beyond the queue consumption.
func (e *Engine) activate(ctx context.Context, m *model.Market, req *model.OrderRequest, now time.Time, touched *Touched) error {
	if err := e.acceptsOrders(m, now); err != nil {
		return err
	}

	ml, err := e.store.GetLiquidities(ctx, m.ID)
	if err != nil {
		return err
	}
	// A price whose only book presence is synthesized cross liquidity is not
	// yet a genuine resting level; direct orders there are rejected until a
	// match attempt has resolved it.
	if _, direct := ml.Direct(req.Side, req.Outcome, req.Price); !direct {
		if _, cross := ml.Cross(req.Side, req.Outcome, req.Price); cross {
			return fmt.Errorf("%w: %d@%s", ErrSynthesizedPrice, req.Outcome, req.Price)
		}
	}

	rate, err := e.products.Rate(req.Product)
	if err != nil {
		return err
	}

	rec, err := e.loadOrCreatePosition(ctx, m, req.Purchaser)
	if err != nil {
		return err
	}
	pos := rec.pos
	if err := pos.ReserveUnmatched(req.Side, req.Outcome, req.Price, req.Stake); err != nil {
		return err
	}
	required := pos.Required()
	if err := e.risk.CheckExposure(required); err != nil {
		return err
	}
	delta := pos.CollateralDelta()
	switch {
	case delta.IsPositive():
		if err := e.escrow.Deposit(ctx, m.ID, req.Purchaser, delta); err != nil {
			return err
		}
	case delta.IsNegative():
		if err := e.escrow.Release(ctx, m.ID, req.Purchaser, delta.Neg()); err != nil {
			return err
		}
	}
	pos.MarkPaid(required)

	order := &model.Order{
		ID:                    req.ID,
		Purchaser:             req.Purchaser,
		MarketID:              m.ID,
		Outcome:               req.Outcome,
		Side:                  req.Side,
		Price:                 req.Price,
		Stake:                 req.Stake,
		StakeUnmatched:        req.Stake,
		StakeVoided:           decimal.Zero,
		Status:                model.OrderOpen,
		Payout:                decimal.Zero,
		Product:               req.Product,
		ProductCommissionRate: rate,
		CreatedAt:             now,
	}

	m.UnsettledOrders++
	if rec.created {
		m.UnsettledPositions++
	}

	best, found, err := e.bestAcceptablePrice(ctx, m, order)
	if err != nil {
		return err
	}
	if found {
		mq, err := e.store.GetMatchQueue(ctx, m.ID)
		if err != nil {
			return err
		}
		tick := queue.MatchTick{
			Kind:         queue.TickPoolHead,
			TakerOrderID: order.ID,
			Outcome:      order.Outcome,
			Price:        best,
			MakerSide:    order.Side.Opposite(),
			Stake:        order.StakeUnmatched,
		}
		if err := mq.Enqueue(tick); err != nil {
			return err
		}
		if err := e.store.PutMatchQueue(ctx, m.ID, mq); err != nil {
			return err
		}
		metrics.MatchQueueDepth.WithLabelValues(m.ID).Set(float64(mq.Len()))
		touched.add(matchQueueKey(m.ID))
	} else {
		pk, err := e.restOrder(ctx, m, order, ml)
		if err != nil {
			return err
		}
		e.consumeAcceptableCross(m, ml, order)
		touched.add(pk, liquiditiesKey(m.ID))
	}

	if err := e.store.PutOrder(ctx, order); err != nil {
		return err
	}
	if err := e.store.PutPosition(ctx, pos); err != nil {
		return err
	}
	if err := e.store.PutLiquidities(ctx, ml); err != nil {
		return err
	}
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return err
	}
	touched.add(orderKey(order.ID), positionKey(position.Key(m.ID, order.Purchaser)), marketKey(m.ID))
	metrics.OrdersActivatedTotal.WithLabelValues(string(order.Side)).Inc()

	e.logger.Info("order activated",
		"market_id", m.ID, "order_id", order.ID,
		"side", order.Side, "outcome", order.Outcome,
		"price", order.Price, "stake", order.Stake,
		"collateral_delta", delta, "matching", found)
	return nil
}

// acceptsOrders reports whether the market admits order intake right now.
func (e *Engine) acceptsOrders(m *model.Market, now time.Time) error {
	switch m.Status {
	case model.MarketOpen:
		if !m.EventStart.IsZero() && !now.Before(m.EventStart) && !m.InPlay {
			return fmt.Errorf("%w: market %s", ErrEventStarted, m.ID)
		}
		return nil
	case model.MarketLocked:
		if m.InPlay {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrMarketStatus, m.ID, m.Status)
	default:
		return fmt.Errorf("%w: %s is %s", ErrMarketStatus, m.ID, m.Status)
	}
}
