package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/metrics"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/position"
	"github.com/betmesh/exchange-engine/internal/queue"
	"github.com/betmesh/exchange-engine/internal/store"
)

// acceptable reports whether a taker at takerPrice may fill against resting
// liquidity at makerPrice. Backers accept higher odds, layers accept lower.
func acceptable(takerSide model.Side, takerPrice, makerPrice decimal.Decimal) bool {
	if takerSide == model.SideFor {
		return makerPrice.GreaterThanOrEqual(takerPrice)
	}
	return makerPrice.LessThanOrEqual(takerPrice)
}

// riskIncrement is the profit the matched portion realizes if its side wins:
// a backer gains stake*(price-1), a layer gains the backer's stake.
func riskIncrement(side model.Side, price, stake decimal.Decimal) decimal.Decimal {
	if side == model.SideFor {
		return stake.Mul(price.Sub(decimal.NewFromInt(1)))
	}
	return stake
}

// ProcessNextMatchTick drains one tick from the matching queue: it resolves
// the maker (re-reading pool state, so a cancellation racing this tick is
// safe), fills min(taker remaining, maker remaining, tick stake) at the
// maker's price, and either enqueues a follow-up tick for the taker's
// remainder or rests it in its own pool.
func (e *Engine) ProcessNextMatchTick(ctx context.Context, caller, marketID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.Crank(ctx, caller); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	mq, err := e.store.GetMatchQueue(ctx, marketID)
	if err != nil {
		return nil, err
	}
	tick, err := mq.Dequeue()
	if err != nil {
		return nil, err // queue.ErrQueueEmpty: no work
	}
	touched := Touched{matchQueueKey(marketID)}

	taker, err := e.store.GetOrder(ctx, tick.TakerOrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return touched, e.store.PutMatchQueue(ctx, marketID, mq)
		}
		return nil, err
	}
	if taker.Terminal() || !taker.StakeUnmatched.IsPositive() {
		// Cancelled or already filled while the tick was queued.
		return touched, e.store.PutMatchQueue(ctx, marketID, mq)
	}

	ml, err := e.store.GetLiquidities(ctx, marketID)
	if err != nil {
		return nil, err
	}

	maker, pool, err := e.resolveMaker(ctx, m, &tick)
	if err != nil {
		return nil, err
	}
	if maker == nil {
		// The liquidity the tick referenced is gone. Let the taker continue
		// its sweep or come to rest.
		if err := e.continueTaker(ctx, m, taker, ml, mq, &touched); err != nil {
			return nil, err
		}
		if err := e.store.PutLiquidities(ctx, ml); err != nil {
			return nil, err
		}
		touched.add(liquiditiesKey(marketID))
		return touched, e.store.PutMatchQueue(ctx, marketID, mq)
	}

	fill := decimal.Min(taker.StakeUnmatched, maker.StakeUnmatched, tick.Stake)
	price := tick.Price
	now := e.clock.Now()

	e.processMatchMaker(maker, pool, ml, price, fill)
	e.processMatchTaker(taker, price, fill)

	takerPos, err := e.store.GetPosition(ctx, marketID, taker.Purchaser)
	if err != nil {
		return nil, err
	}
	makerPos := takerPos
	if maker.Purchaser != taker.Purchaser {
		makerPos, err = e.store.GetPosition(ctx, marketID, maker.Purchaser)
		if err != nil {
			return nil, err
		}
	}

	if err := makerPos.ApplyFill(maker.Side, tick.Outcome, price, price, fill); err != nil {
		return nil, err
	}
	makerPos.AddMatchedRisk(maker.Product, maker.ProductCommissionRate,
		riskIncrement(maker.Side, price, fill))
	if err := takerPos.ApplyFill(taker.Side, tick.Outcome, taker.Price, price, fill); err != nil {
		return nil, err
	}
	takerPos.AddMatchedRisk(taker.Product, taker.ProductCommissionRate,
		riskIncrement(taker.Side, price, fill))

	positions := []*position.Position{takerPos}
	if makerPos != takerPos {
		positions = append(positions, makerPos)
	}
	for _, pos := range positions {
		required := pos.Required()
		delta := required.Sub(pos.Paid)
		switch {
		case delta.IsPositive():
			if err := e.escrow.Deposit(ctx, marketID, pos.Purchaser, delta); err != nil {
				return nil, err
			}
		case delta.IsNegative():
			if err := e.escrow.Release(ctx, marketID, pos.Purchaser, delta.Neg()); err != nil {
				return nil, err
			}
		}
		pos.MarkPaid(required)
	}

	forID, againstID := taker.ID, maker.ID
	if taker.Side == model.SideAgainst {
		forID, againstID = maker.ID, taker.ID
	}
	trade := &model.Trade{
		ID:             uuid.New().String(),
		MarketID:       marketID,
		ForOrderID:     forID,
		AgainstOrderID: againstID,
		TakerSide:      taker.Side,
		Outcome:        tick.Outcome,
		Price:          price,
		Stake:          fill,
		ExecutedAt:     now,
	}
	if err := e.store.PutTrade(ctx, trade); err != nil {
		return nil, err
	}

	// Persist the drained pool before the taker continues its sweep, so the
	// continuation scan reads current book state.
	if pool != nil {
		if err := e.store.PutPool(ctx, pool); err != nil {
			return nil, err
		}
		touched.add(poolKey(pool.Key()))
	}
	if err := e.store.PutOrder(ctx, maker); err != nil {
		return nil, err
	}
	if taker.StakeUnmatched.IsPositive() {
		if err := e.continueTaker(ctx, m, taker, ml, mq, &touched); err != nil {
			return nil, err
		}
	}
	if err := e.store.PutOrder(ctx, taker); err != nil {
		return nil, err
	}
	for _, pos := range positions {
		if err := e.store.PutPosition(ctx, pos); err != nil {
			return nil, err
		}
		touched.add(positionKey(position.Key(marketID, pos.Purchaser)))
	}
	if err := e.store.PutLiquidities(ctx, ml); err != nil {
		return nil, err
	}
	if err := e.store.PutMatchQueue(ctx, marketID, mq); err != nil {
		return nil, err
	}
	touched.add(orderKey(maker.ID), orderKey(taker.ID),
		liquiditiesKey(marketID), tradeKey(model.TradeKey(againstID, forID, taker.Side)))

	metrics.MatchesTotal.WithLabelValues(string(taker.Side)).Inc()
	metrics.MatchedVolume.WithLabelValues(marketID).Add(fill.InexactFloat64())
	metrics.MatchQueueDepth.WithLabelValues(marketID).Set(float64(mq.Len()))

	e.logger.Info("match executed",
		"market_id", marketID, "taker", taker.ID, "maker", maker.ID,
		"outcome", tick.Outcome, "price", price, "stake", fill)
	return touched, nil
}

// resolveMaker loads the maker order a tick names, re-reading pool state at
// processing time. A nil maker with nil error means the referenced liquidity
// no longer exists.
func (e *Engine) resolveMaker(ctx context.Context, m *model.Market, tick *queue.MatchTick) (*model.Order, *liquidity.Pool, error) {
	switch tick.Kind {
	case queue.TickDirect:
		maker, err := e.store.GetOrder(ctx, tick.MakerOrderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, nil
			}
			return nil, nil, err
		}
		if maker.Terminal() || !maker.StakeUnmatched.IsPositive() {
			return nil, nil, nil
		}
		pool, err := e.store.GetPool(ctx, m.ID, tick.Outcome, tick.Price, tick.MakerSide)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return maker, nil, nil
			}
			return nil, nil, err
		}
		return maker, pool, nil

	case queue.TickPoolHead:
		pool, err := e.store.GetPool(ctx, m.ID, tick.Outcome, tick.Price, tick.MakerSide)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, nil
			}
			return nil, nil, err
		}
		headID, err := pool.Head()
		if err != nil {
			return nil, nil, nil // pool drained
		}
		maker, err := e.store.GetOrder(ctx, headID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, nil
			}
			return nil, nil, err
		}
		if maker.Terminal() || !maker.StakeUnmatched.IsPositive() {
			return nil, nil, nil
		}
		return maker, pool, nil

	default:
		return nil, nil, fmt.Errorf("engine: unknown tick kind %q", tick.Kind)
	}
}

// processMatchMaker applies the maker-side effect of one fill: order
// bookkeeping, pool consumption, and direct-liquidity release.
func (e *Engine) processMatchMaker(maker *model.Order, pool *liquidity.Pool, ml *liquidity.MarketLiquidities, price, fill decimal.Decimal) {
	maker.StakeUnmatched = maker.StakeUnmatched.Sub(fill)
	maker.Status = model.OrderMatched
	maker.Payout = maker.Payout.Add(fill.Mul(price))
	if pool != nil {
		_ = pool.Fill(fill, maker.StakeUnmatched.IsZero())
	}
	ml.SubtractDirect(maker.Side, maker.Outcome, price, fill)
}

// processMatchTaker applies the taker-side effect of one fill.
func (e *Engine) processMatchTaker(taker *model.Order, price, fill decimal.Decimal) {
	taker.StakeUnmatched = taker.StakeUnmatched.Sub(fill)
	taker.Status = model.OrderMatched
	taker.Payout = taker.Payout.Add(fill.Mul(price))
}

// continueTaker either enqueues a follow-up tick against the next best
// acceptable pool or rests the taker's remainder in its own pool. Reaching
// the book without acceptable direct liquidity counts as a match attempt
// against any acceptable synthesized cross points, which consumes them.
func (e *Engine) continueTaker(ctx context.Context, m *model.Market, taker *model.Order, ml *liquidity.MarketLiquidities, mq *queue.Fifo[queue.MatchTick], touched *Touched) error {
	best, found, err := e.bestAcceptablePrice(ctx, m, taker)
	if err != nil {
		return err
	}
	if found {
		tick := queue.MatchTick{
			Kind:         queue.TickPoolHead,
			TakerOrderID: taker.ID,
			Outcome:      taker.Outcome,
			Price:        best,
			MakerSide:    taker.Side.Opposite(),
			Stake:        taker.StakeUnmatched,
		}
		if err := mq.Enqueue(tick); err == nil {
			return nil
		}
		// Matching queue full: fall through and rest the remainder rather
		// than stranding the order.
		e.logger.Warn("matching queue full, resting taker remainder",
			"market_id", m.ID, "order_id", taker.ID)
	}

	pk, err := e.restOrder(ctx, m, taker, ml)
	if err != nil {
		return err
	}
	e.consumeAcceptableCross(m, ml, taker)
	touched.add(pk, liquiditiesKey(m.ID))
	return nil
}

// bestAcceptablePrice scans the ladder for the best-priced opposing pool
// with resting liquidity the taker may fill against: highest acceptable
// price first for a backer, lowest first for a layer.
func (e *Engine) bestAcceptablePrice(ctx context.Context, m *model.Market, taker *model.Order) (decimal.Decimal, bool, error) {
	makerSide := taker.Side.Opposite()

	check := func(price decimal.Decimal) (bool, error) {
		pool, err := e.store.GetPool(ctx, m.ID, taker.Outcome, price, makerSide)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return !pool.Empty() && pool.LiquidityAmount.IsPositive(), nil
	}

	if taker.Side == model.SideFor {
		for i := len(m.Prices) - 1; i >= 0; i-- {
			price := m.Prices[i]
			if !acceptable(taker.Side, taker.Price, price) {
				break
			}
			ok, err := check(price)
			if err != nil || ok {
				return price, ok, err
			}
		}
		return decimal.Zero, false, nil
	}
	for _, price := range m.Prices {
		if !acceptable(taker.Side, taker.Price, price) {
			break
		}
		ok, err := check(price)
		if err != nil || ok {
			return price, ok, err
		}
	}
	return decimal.Zero, false, nil
}

// restOrder deposits an order's unmatched remainder into its own pool and
// records the direct liquidity.
func (e *Engine) restOrder(ctx context.Context, m *model.Market, o *model.Order, ml *liquidity.MarketLiquidities) (string, error) {
	pool, err := e.store.GetPool(ctx, m.ID, o.Outcome, o.Price, o.Side)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		pool = liquidity.NewPool(m.ID, o.Outcome, o.Price, o.Side)
	}
	pool.Enqueue(o.ID, o.StakeUnmatched)
	if err := e.store.PutPool(ctx, pool); err != nil {
		return "", err
	}
	ml.AddDirect(o.Side, o.Outcome, o.Price, o.StakeUnmatched)
	return poolKey(pool.Key()), nil
}

// consumeAcceptableCross removes synthesized cross points the taker's sweep
// reached, then re-derives each from its recorded sources when all of them
// still carry direct liquidity. A point whose source was cancelled away is
// simply dropped.
func (e *Engine) consumeAcceptableCross(m *model.Market, ml *liquidity.MarketLiquidities, taker *model.Order) {
	makerSide := taker.Side.Opposite()
	for _, pt := range ml.CrossForOutcome(makerSide, taker.Outcome) {
		if !acceptable(taker.Side, taker.Price, pt.Price) {
			continue
		}
		consumed, err := ml.ConsumeCross(makerSide, taker.Outcome, pt.Price)
		if err != nil {
			continue
		}

		sources := make([]liquidity.SourceLiquidity, 0, len(consumed.Sources))
		alive := true
		for _, s := range consumed.Sources {
			d, ok := ml.Direct(makerSide, s.Outcome, s.Price)
			if !ok || !d.Liquidity.IsPositive() {
				alive = false
				break
			}
			sources = append(sources, liquidity.SourceLiquidity{
				Outcome:   s.Outcome,
				Price:     s.Price,
				Liquidity: d.Liquidity,
			})
		}
		if alive {
			if _, err := ml.SynthesizeCross(makerSide, pt.Outcome, m.OutcomeCount, sources); err != nil {
				e.logger.Warn("cross re-synthesis failed",
					"market_id", m.ID, "outcome", pt.Outcome, "error", err)
			}
		}
	}
}
