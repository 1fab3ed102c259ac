package queue

import (
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/model"
)

// TickKind distinguishes how a tick names its maker order.
type TickKind string

const (
	// TickDirect names a specific order by id.
	TickDirect TickKind = "DIRECT"

	// TickPoolHead names an (outcome, price, side) triple whose current
	// queue head is resolved at processing time. This indirection keeps the
	// tick producer decoupled from book mutations that happen between
	// enqueue and processing.
	TickPoolHead TickKind = "POOL_HEAD"
)

// MatchTick is one unit of queued matching work: a single maker/taker
// pairing step at a known price.
type MatchTick struct {
	Kind TickKind `json:"kind"`

	// TakerOrderID is the incoming order this tick fills against.
	TakerOrderID string `json:"taker_order_id"`

	// MakerOrderID is set for TickDirect.
	MakerOrderID string `json:"maker_order_id,omitempty"`

	// Pool coordinates for TickPoolHead (maker side).
	Outcome   int             `json:"outcome"`
	Price     decimal.Decimal `json:"price"`
	MakerSide model.Side      `json:"maker_side"`

	// Stake is the maximum quantity this tick may fill.
	Stake decimal.Decimal `json:"stake"`
}
