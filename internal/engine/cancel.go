package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/position"
	"github.com/betmesh/exchange-engine/internal/store"
)

// CancelOrder cancels an order's unmatched remainder before the event
// starts. A fully-unmatched order becomes CANCELLED; a partially-matched
// order keeps its matched portion and stays MATCHED with the remainder
// voided. The released collateral is the max-exposure recomputation delta,
// which may be less than the remainder itself.
func (e *Engine) CancelOrder(ctx context.Context, caller, orderID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cancel(ctx, caller, orderID, false)
}

// CancelOrderPostEventStart cancels an order's unmatched remainder after the
// event has started, the only cancellation path for in-play markets.
func (e *Engine) CancelOrderPostEventStart(ctx context.Context, caller, orderID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cancel(ctx, caller, orderID, true)
}

func (e *Engine) cancel(ctx context.Context, caller, orderID string, postEventStart bool) (Touched, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := e.auth.Purchaser(ctx, caller, o.Purchaser); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, o.MarketID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case model.MarketOpen, model.MarketLocked:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketStatus, m.ID, m.Status)
	}

	now := e.clock.Now()
	eventStarted := !m.EventStart.IsZero() && !now.Before(m.EventStart)
	if postEventStart && !eventStarted {
		return nil, fmt.Errorf("%w: market %s", ErrEventNotStarted, m.ID)
	}
	if !postEventStart && eventStarted {
		return nil, fmt.Errorf("%w: market %s", ErrEventStarted, m.ID)
	}

	if o.Terminal() || !o.StakeUnmatched.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotOpen, orderID)
	}
	remainder := o.StakeUnmatched

	touched := Touched{orderKey(orderID)}

	// The order may not be resting yet (its activation tick can still be in
	// flight); pool removal is then a no-op and the tick will skip it.
	pool, err := e.store.GetPool(ctx, m.ID, o.Outcome, o.Price, o.Side)
	if err == nil {
		if rmErr := pool.Remove(orderID, remainder); rmErr == nil {
			if err := e.store.PutPool(ctx, pool); err != nil {
				return nil, err
			}
			touched.add(poolKey(pool.Key()))
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ml, err := e.store.GetLiquidities(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	ml.SubtractDirect(o.Side, o.Outcome, o.Price, remainder)

	pos, err := e.store.GetPosition(ctx, m.ID, o.Purchaser)
	if err != nil {
		return nil, err
	}
	if err := pos.ReleaseUnmatched(o.Side, o.Outcome, o.Price, remainder); err != nil {
		return nil, err
	}
	required := pos.Required()
	if refund := pos.Paid.Sub(required); refund.IsPositive() {
		if err := e.escrow.Release(ctx, m.ID, o.Purchaser, refund); err != nil {
			return nil, err
		}
	}
	pos.MarkPaid(required)

	o.StakeUnmatched = decimal.Zero
	o.StakeVoided = o.StakeVoided.Add(remainder)
	if o.StakeMatched().IsPositive() {
		o.Status = model.OrderMatched
	} else {
		o.Status = model.OrderCancelled
		m.UnsettledOrders--
	}

	if err := e.store.PutOrder(ctx, o); err != nil {
		return nil, err
	}
	if err := e.store.PutPosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := e.store.PutLiquidities(ctx, ml); err != nil {
		return nil, err
	}
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	touched.add(positionKey(position.Key(m.ID, o.Purchaser)), liquiditiesKey(m.ID), marketKey(m.ID))

	e.logger.Info("order cancelled",
		"market_id", m.ID, "order_id", orderID,
		"remainder", remainder, "status", o.Status)
	return touched, nil
}
