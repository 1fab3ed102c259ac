// Package model defines the core domain types shared across the exchange engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order: backing an outcome to occur, or
// backing it not to occur.
type Side string

const (
	SideFor     Side = "FOR"
	SideAgainst Side = "AGAINST"
)

// Opposite returns the matching counter-side.
func (s Side) Opposite() Side {
	if s == SideFor {
		return SideAgainst
	}
	return SideFor
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen        OrderStatus = "OPEN"
	OrderMatched     OrderStatus = "MATCHED"
	OrderCancelled   OrderStatus = "CANCELLED"
	OrderVoided      OrderStatus = "VOIDED"
	OrderSettledWin  OrderStatus = "SETTLED_WIN"
	OrderSettledLose OrderStatus = "SETTLED_LOSE"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketInitializing       MarketStatus = "INITIALIZING"
	MarketOpen               MarketStatus = "OPEN"
	MarketLocked             MarketStatus = "LOCKED"
	MarketReadyForSettlement MarketStatus = "READY_FOR_SETTLEMENT"
	MarketSettled            MarketStatus = "SETTLED"
	MarketReadyToClose       MarketStatus = "READY_TO_CLOSE"
	MarketReadyToVoid        MarketStatus = "READY_TO_VOID"
	MarketVoided             MarketStatus = "VOIDED"
)

// Market is one event with a fixed set of mutually exclusive outcomes.
type Market struct {
	ID             string            `json:"id" db:"id"`
	Title          string            `json:"title" db:"title"`
	OutcomeCount   int               `json:"outcome_count" db:"outcome_count"`
	Prices         []decimal.Decimal `json:"prices" db:"prices"` // admissible price ladder
	Status         MarketStatus      `json:"status" db:"status"`
	WinningOutcome int               `json:"winning_outcome" db:"winning_outcome"` // -1 until declared
	DecimalLimit   int32             `json:"decimal_limit" db:"decimal_limit"`     // max stake precision
	InPlayEnabled  bool              `json:"inplay_enabled" db:"inplay_enabled"`
	InPlay         bool              `json:"inplay" db:"inplay"`
	InPlayDelay    time.Duration     `json:"inplay_delay" db:"inplay_delay"`
	EventStart     time.Time         `json:"event_start" db:"event_start"`
	LockedAt       time.Time         `json:"locked_at" db:"locked_at"`
	SettledAt      time.Time         `json:"settled_at" db:"settled_at"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`

	// Unsettled counters gate the transition to READY_TO_CLOSE.
	UnsettledOrders    int `json:"unsettled_orders" db:"unsettled_orders"`
	UnsettledPositions int `json:"unsettled_positions" db:"unsettled_positions"`
}

// Order is one purchaser's stake on one outcome of one market.
//
// Invariant: Stake == StakeUnmatched + matched portion + StakeVoided, where
// the matched portion is derivable from the market's trade history.
type Order struct {
	ID             string          `json:"id" db:"id"`
	Purchaser      string          `json:"purchaser" db:"purchaser"`
	MarketID       string          `json:"market_id" db:"market_id"`
	Outcome        int             `json:"outcome" db:"outcome"`
	Side           Side            `json:"side" db:"side"`
	Price          decimal.Decimal `json:"price" db:"price"` // decimal odds from the ladder
	Stake          decimal.Decimal `json:"stake" db:"stake"`
	StakeUnmatched decimal.Decimal `json:"stake_unmatched" db:"stake_unmatched"`
	StakeVoided    decimal.Decimal `json:"stake_voided" db:"stake_voided"`
	Status         OrderStatus     `json:"status" db:"status"`

	// Payout accumulates the expected return of the matched portion
	// (fill quantity × fill price, both sides). Monotonic, set by fills only.
	Payout decimal.Decimal `json:"payout" db:"payout"`

	// Product attribution for commission. Rate is snapshotted at creation so
	// later product reconfiguration never changes an existing order's terms.
	Product               string          `json:"product,omitempty" db:"product"`
	ProductCommissionRate decimal.Decimal `json:"product_commission_rate" db:"product_commission_rate"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// StakeMatched is the portion of the original stake consumed by fills.
func (o *Order) StakeMatched() decimal.Decimal {
	return o.Stake.Sub(o.StakeUnmatched).Sub(o.StakeVoided)
}

// Terminal reports whether the order has reached a settlement-family state.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderSettledWin, OrderSettledLose, OrderVoided, OrderCancelled:
		return true
	}
	return false
}

// OrderRequest is a not-yet-activated order intent sitting in the bounded
// request queue. Activation reserves collateral and enters the book.
type OrderRequest struct {
	ID        string          `json:"id" db:"id"`
	Purchaser string          `json:"purchaser" db:"purchaser"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Outcome   int             `json:"outcome" db:"outcome"`
	Side      Side            `json:"side" db:"side"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Stake     decimal.Decimal `json:"stake" db:"stake"`
	Product   string          `json:"product,omitempty" db:"product"`
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"` // zero = no expiry
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Expired reports whether the request lapsed before the given instant.
func (r *OrderRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Trade is an immutable record of one maker/taker pairing. Keyed by
// (against-order, for-order, side) so it is derivable without a separate index.
type Trade struct {
	ID             string          `json:"id" db:"id"`
	MarketID       string          `json:"market_id" db:"market_id"`
	ForOrderID     string          `json:"for_order_id" db:"for_order_id"`
	AgainstOrderID string          `json:"against_order_id" db:"against_order_id"`
	TakerSide      Side            `json:"taker_side" db:"taker_side"`
	Outcome        int             `json:"outcome" db:"outcome"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Stake          decimal.Decimal `json:"stake" db:"stake"`
	ExecutedAt     time.Time       `json:"executed_at" db:"executed_at"`
}

// TradeKey derives the deterministic storage key of a trade pairing.
func TradeKey(againstOrderID, forOrderID string, takerSide Side) string {
	return againstOrderID + "|" + forOrderID + "|" + string(takerSide)
}

// CommissionPayment is one commission line queued at settlement, consumed by
// a payment-processing step outside the engine.
type CommissionPayment struct {
	MarketID string          `json:"market_id" db:"market_id"`
	From     string          `json:"from" db:"from_purchaser"`
	To       string          `json:"to" db:"to_product"`
	Amount   decimal.Decimal `json:"amount" db:"amount"`
}
