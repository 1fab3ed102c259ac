// Package liquidity implements the matching pools (FIFO resting liquidity at
// one outcome/price/side) and the per-market liquidity aggregate, including
// cross-outcome synthesized prices.
//
// All monetary values use shopspring/decimal — never float64 for money.
package liquidity

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/model"
)

var (
	// ErrOrderNotQueued is returned when removing an order a pool does not hold.
	ErrOrderNotQueued = errors.New("liquidity: order not queued in pool")

	// ErrPoolEmpty is returned when resolving the head of an empty pool.
	ErrPoolEmpty = errors.New("liquidity: pool empty")
)

// Pool is the FIFO queue of resting order references for one
// (outcome, price, side) triple.
//
// Invariant: LiquidityAmount == sum of unmatched stake of queued orders.
type Pool struct {
	MarketID string          `json:"market_id" db:"market_id"`
	Outcome  int             `json:"outcome" db:"outcome"`
	Price    decimal.Decimal `json:"price" db:"price"`
	Side     model.Side      `json:"side" db:"side"`

	// Orders holds queued order ids in strict entry order. No partial
	// reordering is permitted.
	Orders []string `json:"orders" db:"orders"`

	// LiquidityAmount is the total unmatched stake of queued orders.
	LiquidityAmount decimal.Decimal `json:"liquidity_amount" db:"liquidity_amount"`

	// MatchedAmount is the cumulative stake matched at this price point.
	MatchedAmount decimal.Decimal `json:"matched_amount" db:"matched_amount"`
}

// PoolKey derives the deterministic storage key for a pool.
func PoolKey(marketID string, outcome int, price decimal.Decimal, side model.Side) string {
	return fmt.Sprintf("%s|%d|%s|%s", marketID, outcome, price, side)
}

// NewPool creates an empty pool for the triple.
func NewPool(marketID string, outcome int, price decimal.Decimal, side model.Side) *Pool {
	return &Pool{
		MarketID:        marketID,
		Outcome:         outcome,
		Price:           price,
		Side:            side,
		LiquidityAmount: decimal.Zero,
		MatchedAmount:   decimal.Zero,
	}
}

// Key returns this pool's storage key.
func (p *Pool) Key() string {
	return PoolKey(p.MarketID, p.Outcome, p.Price, p.Side)
}

// Enqueue appends an order reference carrying the given unmatched stake.
func (p *Pool) Enqueue(orderID string, stake decimal.Decimal) {
	p.Orders = append(p.Orders, orderID)
	p.LiquidityAmount = p.LiquidityAmount.Add(stake)
}

// Head returns the order id at the front of the queue.
func (p *Pool) Head() (string, error) {
	if len(p.Orders) == 0 {
		return "", ErrPoolEmpty
	}
	return p.Orders[0], nil
}

// Fill consumes stake liquidity from the order at the head of the queue,
// recording it as matched. fullyFilled removes the head reference.
func (p *Pool) Fill(stake decimal.Decimal, fullyFilled bool) error {
	if len(p.Orders) == 0 {
		return ErrPoolEmpty
	}
	p.LiquidityAmount = p.LiquidityAmount.Sub(stake)
	if p.LiquidityAmount.IsNegative() {
		p.LiquidityAmount = decimal.Zero
	}
	p.MatchedAmount = p.MatchedAmount.Add(stake)
	if fullyFilled {
		p.Orders = p.Orders[1:]
	}
	return nil
}

// Remove deletes an order reference anywhere in the queue (cancellation)
// and releases its unmatched stake from the pool liquidity.
func (p *Pool) Remove(orderID string, stake decimal.Decimal) error {
	for i, id := range p.Orders {
		if id == orderID {
			p.Orders = append(p.Orders[:i], p.Orders[i+1:]...)
			p.LiquidityAmount = p.LiquidityAmount.Sub(stake)
			if p.LiquidityAmount.IsNegative() {
				p.LiquidityAmount = decimal.Zero
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOrderNotQueued, orderID)
}

// Empty reports whether no orders rest in the pool.
func (p *Pool) Empty() bool { return len(p.Orders) == 0 }
