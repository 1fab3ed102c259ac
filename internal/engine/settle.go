package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/metrics"
	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/position"
	"github.com/betmesh/exchange-engine/internal/store"
)

// SettleOrder settles one order of a market in READY_FOR_SETTLEMENT: any
// resting remainder is released back through the exposure recomputation, the
// order's terminal status is recorded, and the market's unsettled counter
// drops. Funds for the matched portion move at position settlement, where
// they net exactly against the collateral held. Idempotent: settling a
// terminal order is a no-op.
func (e *Engine) SettleOrder(ctx context.Context, caller, orderID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.Crank(ctx, caller); err != nil {
		return nil, err
	}
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, o.MarketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketReadyForSettlement {
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketStatus, m.ID, m.Status)
	}
	if o.Terminal() {
		return Touched{orderKey(orderID)}, nil
	}

	touched := Touched{orderKey(orderID)}
	if err := e.releaseRemainder(ctx, m, o, &touched); err != nil {
		return nil, err
	}

	matched := o.StakeMatched()
	switch {
	case !matched.IsPositive():
		// Never matched: remainder released above, nothing to settle.
		o.Status = model.OrderCancelled
		o.Payout = decimal.Zero
	case (o.Side == model.SideFor) == (o.Outcome == m.WinningOutcome):
		o.Status = model.OrderSettledWin
	default:
		o.Status = model.OrderSettledLose
		o.Payout = decimal.Zero
	}
	m.UnsettledOrders--
	if err := e.maybeFinalize(ctx, m); err != nil {
		return nil, err
	}

	if err := e.store.PutOrder(ctx, o); err != nil {
		return nil, err
	}
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	touched.add(marketKey(m.ID))
	metrics.SettlementsTotal.WithLabelValues(settlementResult(o.Status)).Inc()

	e.logger.Info("order settled",
		"market_id", m.ID, "order_id", orderID,
		"status", o.Status, "payout", o.Payout)
	return touched, nil
}

func settlementResult(s model.OrderStatus) string {
	switch s {
	case model.OrderSettledWin:
		return "win"
	case model.OrderSettledLose:
		return "lose"
	case model.OrderVoided:
		return "voided"
	default:
		return "cancelled"
	}
}

// SettleMarketPosition settles one purchaser's position once all of their
// orders on the market are terminal: commission is computed on net winnings
// per recorded (product, rate) pair, and the remaining entitlement —
// collateral held minus the realized loss on the winning outcome minus
// commission — is released from escrow. Idempotent.
func (e *Engine) SettleMarketPosition(ctx context.Context, caller, marketID, purchaser string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.Crank(ctx, caller); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketReadyForSettlement && m.Status != model.MarketSettled {
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketStatus, m.ID, m.Status)
	}
	pos, err := e.store.GetPosition(ctx, marketID, purchaser)
	if err != nil {
		return nil, err
	}
	pk := positionKey(position.Key(marketID, purchaser))
	if pos.Settled {
		return Touched{pk}, nil
	}
	if err := e.requireTerminalOrders(ctx, marketID, purchaser); err != nil {
		return nil, err
	}

	matchedLoss, err := pos.MatchedLoss(m.WinningOutcome)
	if err != nil {
		return nil, err
	}

	netWinnings := decimal.Zero
	if matchedLoss.IsNegative() {
		netWinnings = matchedLoss.Neg()
	}
	lines, totalCommission := commissionLines(marketID, purchaser, pos.CommissionRisks, netWinnings)

	release := pos.Paid.Sub(matchedLoss).Sub(totalCommission)
	if release.IsNegative() {
		return nil, fmt.Errorf("engine: settlement release negative for %s: %s", purchaser, release)
	}
	if release.IsPositive() {
		if err := e.escrow.Release(ctx, marketID, purchaser, release); err != nil {
			return nil, err
		}
	}
	pos.SettledPayout = pos.SettledPayout.Add(release)
	pos.MarkPaid(decimal.Zero)
	pos.Settled = true

	if len(lines) > 0 {
		if err := e.store.AppendCommissionPayments(ctx, marketID, lines); err != nil {
			return nil, err
		}
	}

	m.UnsettledPositions--
	if err := e.maybeFinalize(ctx, m); err != nil {
		return nil, err
	}
	if err := e.store.PutPosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}

	e.logger.Info("position settled",
		"market_id", marketID, "purchaser", purchaser,
		"release", release, "commission", totalCommission)
	return Touched{pk, marketKey(marketID)}, nil
}

// VoidOrder voids one order of a market in READY_TO_VOID: the full stake is
// voided and any resting remainder released. Refunds happen wholesale at
// position void. Idempotent.
func (e *Engine) VoidOrder(ctx context.Context, caller, orderID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.Crank(ctx, caller); err != nil {
		return nil, err
	}
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, o.MarketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketReadyToVoid {
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketStatus, m.ID, m.Status)
	}
	if o.Terminal() {
		return Touched{orderKey(orderID)}, nil
	}

	touched := Touched{orderKey(orderID)}
	if err := e.releaseRemainder(ctx, m, o, &touched); err != nil {
		return nil, err
	}

	o.StakeVoided = o.Stake
	o.Payout = decimal.Zero
	o.Status = model.OrderVoided
	m.UnsettledOrders--
	if err := e.maybeFinalize(ctx, m); err != nil {
		return nil, err
	}

	if err := e.store.PutOrder(ctx, o); err != nil {
		return nil, err
	}
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	touched.add(marketKey(m.ID))
	metrics.SettlementsTotal.WithLabelValues("voided").Inc()

	e.logger.Info("order voided", "market_id", m.ID, "order_id", orderID)
	return touched, nil
}

// VoidMarketPosition refunds a purchaser's entire held collateral once all
// their orders are terminal. Idempotent.
func (e *Engine) VoidMarketPosition(ctx context.Context, caller, marketID, purchaser string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.Crank(ctx, caller); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketReadyToVoid && m.Status != model.MarketVoided {
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketStatus, m.ID, m.Status)
	}
	pos, err := e.store.GetPosition(ctx, marketID, purchaser)
	if err != nil {
		return nil, err
	}
	pk := positionKey(position.Key(marketID, purchaser))
	if pos.Settled {
		return Touched{pk}, nil
	}
	if err := e.requireTerminalOrders(ctx, marketID, purchaser); err != nil {
		return nil, err
	}

	if pos.Paid.IsPositive() {
		if err := e.escrow.Release(ctx, marketID, purchaser, pos.Paid); err != nil {
			return nil, err
		}
	}
	refund := pos.Paid
	pos.MarkPaid(decimal.Zero)
	pos.Settled = true

	m.UnsettledPositions--
	if err := e.maybeFinalize(ctx, m); err != nil {
		return nil, err
	}
	if err := e.store.PutPosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := e.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}

	e.logger.Info("position voided",
		"market_id", marketID, "purchaser", purchaser, "refund", refund)
	return Touched{pk, marketKey(marketID)}, nil
}

// CloseOrder reclaims a terminal order's account once its market has reached
// SETTLED or VOIDED.
func (e *Engine) CloseOrder(ctx context.Context, caller, orderID string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.Crank(ctx, caller); err != nil {
		return nil, err
	}
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, o.MarketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketSettled && m.Status != model.MarketVoided {
		return nil, fmt.Errorf("%w: market %s is %s", ErrNotClosable, m.ID, m.Status)
	}
	if !o.Terminal() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrNotClosable, orderID, o.Status)
	}
	if err := e.store.DeleteOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return Touched{orderKey(orderID)}, nil
}

// CloseMarketPosition reclaims a settled position's account once its market
// has reached SETTLED or VOIDED.
func (e *Engine) CloseMarketPosition(ctx context.Context, caller, marketID, purchaser string) (Touched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.auth.Crank(ctx, caller); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketSettled && m.Status != model.MarketVoided {
		return nil, fmt.Errorf("%w: market %s is %s", ErrNotClosable, m.ID, m.Status)
	}
	pos, err := e.store.GetPosition(ctx, marketID, purchaser)
	if err != nil {
		return nil, err
	}
	if !pos.Settled {
		return nil, fmt.Errorf("%w: position %s not settled", ErrNotClosable, position.Key(marketID, purchaser))
	}
	if err := e.store.DeletePosition(ctx, marketID, purchaser); err != nil {
		return nil, err
	}
	return Touched{positionKey(position.Key(marketID, purchaser))}, nil
}

// releaseRemainder unwinds an order's resting unmatched stake at settlement
// or void time: pool removal, direct-liquidity release, exposure release,
// and the resulting collateral refund.
func (e *Engine) releaseRemainder(ctx context.Context, m *model.Market, o *model.Order, touched *Touched) error {
	if !o.StakeUnmatched.IsPositive() {
		return nil
	}
	remainder := o.StakeUnmatched

	pool, err := e.store.GetPool(ctx, m.ID, o.Outcome, o.Price, o.Side)
	if err == nil {
		if rmErr := pool.Remove(o.ID, remainder); rmErr == nil {
			if err := e.store.PutPool(ctx, pool); err != nil {
				return err
			}
			touched.add(poolKey(pool.Key()))
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	ml, err := e.store.GetLiquidities(ctx, m.ID)
	if err != nil {
		return err
	}
	ml.SubtractDirect(o.Side, o.Outcome, o.Price, remainder)
	if err := e.store.PutLiquidities(ctx, ml); err != nil {
		return err
	}

	pos, err := e.store.GetPosition(ctx, m.ID, o.Purchaser)
	if err != nil {
		return err
	}
	if err := pos.ReleaseUnmatched(o.Side, o.Outcome, o.Price, remainder); err != nil {
		return err
	}
	required := pos.Required()
	if refund := pos.Paid.Sub(required); refund.IsPositive() {
		if err := e.escrow.Release(ctx, m.ID, o.Purchaser, refund); err != nil {
			return err
		}
	}
	pos.MarkPaid(required)
	if err := e.store.PutPosition(ctx, pos); err != nil {
		return err
	}

	o.StakeUnmatched = decimal.Zero
	o.StakeVoided = o.StakeVoided.Add(remainder)
	touched.add(positionKey(position.Key(m.ID, o.Purchaser)), liquiditiesKey(m.ID))
	return nil
}

// requireTerminalOrders checks that every order the purchaser holds on the
// market has reached a terminal status.
func (e *Engine) requireTerminalOrders(ctx context.Context, marketID, purchaser string) error {
	orders, err := e.store.ListOrdersByMarket(ctx, marketID)
	if err != nil {
		return err
	}
	for i := range orders {
		o := &orders[i]
		if o.Purchaser == purchaser && !o.Terminal() {
			return fmt.Errorf("%w: order %s is %s", ErrOrdersUnsettled, o.ID, o.Status)
		}
	}
	return nil
}

// commissionLines splits net winnings across the recorded (product, rate)
// pairs in proportion to matched risk and returns the payment lines plus the
// total commission withheld.
func commissionLines(marketID, purchaser string, risks []position.CommissionRisk, netWinnings decimal.Decimal) ([]model.CommissionPayment, decimal.Decimal) {
	total := decimal.Zero
	if !netWinnings.IsPositive() || len(risks) == 0 {
		return nil, total
	}

	totalRisk := decimal.Zero
	for _, cr := range risks {
		totalRisk = totalRisk.Add(cr.Risk)
	}
	if !totalRisk.IsPositive() {
		return nil, total
	}

	var lines []model.CommissionPayment
	for _, cr := range risks {
		share := netWinnings.Mul(cr.Risk).Div(totalRisk)
		commission := share.Mul(cr.Rate).RoundDown(liquidity.StakeScale)
		if !commission.IsPositive() {
			continue
		}
		lines = append(lines, model.CommissionPayment{
			MarketID: marketID,
			From:     purchaser,
			To:       cr.Product,
			Amount:   commission,
		})
		total = total.Add(commission)
	}
	return lines, total
}
