// Package position implements per-(market, purchaser) exposure netting.
//
// A purchaser's collateral is never the sum of their order stakes: it is the
// worst-case loss across the market's outcomes, computed from two per-outcome
// vectors — matched exposure (signed net loss if the outcome wins, from
// fills) and unmatched exposure (reserved loss from resting orders). Every
// order-affecting operation read-modify-writes this one aggregate record, so
// there is never a cyclic "which order paid for what" structure.
//
// All monetary values use shopspring/decimal — never float64 for money.
package position

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/model"
)

var (
	// ErrOutcomeOutOfRange is returned when an outcome index does not exist
	// on the market this position belongs to.
	ErrOutcomeOutOfRange = errors.New("position: outcome index out of range")

	// ErrAlreadySettled is returned when a mutation targets a settled position.
	ErrAlreadySettled = errors.New("position: already settled")
)

var one = decimal.NewFromInt(1)

// CommissionRisk tracks matched risk attributable to one (product, rate)
// pair. A purchaser matching through several products, or through one
// product whose rate changed over the market's life, carries one entry per
// distinct pair.
type CommissionRisk struct {
	Product string          `json:"product"`
	Rate    decimal.Decimal `json:"rate"`
	Risk    decimal.Decimal `json:"risk"`
}

// Position is the ledger of one purchaser's exposure on one market.
//
// Invariant: Paid == max over outcomes of (Matched[o] + Unmatched[o]) minus
// Offset, and Paid is always >= 0. Offset absorbs the guaranteed matched
// profit (a negative worst case) so the held collateral never goes negative
// and never needs re-deriving from trade history.
type Position struct {
	MarketID  string `json:"market_id" db:"market_id"`
	Purchaser string `json:"purchaser" db:"purchaser"`

	// Unmatched[o] is the reserved potential loss if outcome o wins, from
	// unmatched order remainders. Always >= 0.
	Unmatched []decimal.Decimal `json:"unmatched" db:"unmatched"`

	// Matched[o] is the signed net loss if outcome o wins, from fills.
	// Negative values are locked-in profit on that outcome.
	Matched []decimal.Decimal `json:"matched" db:"matched"`

	// Paid is the collateral currently held in escrow for this position.
	Paid decimal.Decimal `json:"paid" db:"paid"`

	// Offset is the guaranteed matched profit credited against the worst
	// case. Zero unless every outcome nets a profit.
	Offset decimal.Decimal `json:"offset" db:"offset"`

	// SettledPayout accumulates gross payouts already delivered through
	// order settlement, so position settlement can pay exactly the remainder.
	SettledPayout decimal.Decimal `json:"settled_payout" db:"settled_payout"`

	CommissionRisks []CommissionRisk `json:"commission_risks" db:"commission_risks"`

	Settled bool `json:"settled" db:"settled"`
}

// Key derives the deterministic storage key for a position.
func Key(marketID, purchaser string) string {
	return marketID + "|" + purchaser
}

// New creates an empty position for a market with outcomeCount outcomes.
func New(marketID, purchaser string, outcomeCount int) *Position {
	p := &Position{
		MarketID:  marketID,
		Purchaser: purchaser,
		Unmatched: make([]decimal.Decimal, outcomeCount),
		Matched:   make([]decimal.Decimal, outcomeCount),
	}
	for i := 0; i < outcomeCount; i++ {
		p.Unmatched[i] = decimal.Zero
		p.Matched[i] = decimal.Zero
	}
	return p
}

// exposure returns the per-outcome loss vector an unmatched order reserves:
// a for-order loses its stake on every other outcome; an against-order
// loses stake*(price-1) on the backed outcome.
func (p *Position) exposure(side model.Side, outcome int, price, stake decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(p.Unmatched))
	for i := range out {
		out[i] = decimal.Zero
	}
	if side == model.SideFor {
		for i := range out {
			if i != outcome {
				out[i] = stake
			}
		}
	} else {
		out[outcome] = stake.Mul(price.Sub(one))
	}
	return out
}

func (p *Position) checkOutcome(outcome int) error {
	if outcome < 0 || outcome >= len(p.Unmatched) {
		return fmt.Errorf("%w: %d", ErrOutcomeOutOfRange, outcome)
	}
	return nil
}

// ReserveUnmatched adds the exposure of a newly placed (or re-opened)
// unmatched stake.
func (p *Position) ReserveUnmatched(side model.Side, outcome int, price, stake decimal.Decimal) error {
	if p.Settled {
		return ErrAlreadySettled
	}
	if err := p.checkOutcome(outcome); err != nil {
		return err
	}
	for i, v := range p.exposure(side, outcome, price, stake) {
		p.Unmatched[i] = p.Unmatched[i].Add(v)
	}
	return nil
}

// ReleaseUnmatched removes the exposure a stake reserved at its requested
// price, on cancellation, expiry, void, or consumption by a fill.
func (p *Position) ReleaseUnmatched(side model.Side, outcome int, price, stake decimal.Decimal) error {
	if err := p.checkOutcome(outcome); err != nil {
		return err
	}
	for i, v := range p.exposure(side, outcome, price, stake) {
		p.Unmatched[i] = p.Unmatched[i].Sub(v)
		if p.Unmatched[i].IsNegative() {
			p.Unmatched[i] = decimal.Zero
		}
	}
	return nil
}

// ApplyFill moves stake from the unmatched vector into the matched vector
// for one fill at fillPrice. reservedPrice is the price the stake was
// reserved at (the order's requested price); a price-improved fill releases
// the difference.
func (p *Position) ApplyFill(side model.Side, outcome int, reservedPrice, fillPrice, stake decimal.Decimal) error {
	if p.Settled {
		return ErrAlreadySettled
	}
	if err := p.checkOutcome(outcome); err != nil {
		return err
	}

	if err := p.ReleaseUnmatched(side, outcome, reservedPrice, stake); err != nil {
		return err
	}

	if side == model.SideFor {
		// Backing: profit stake*(price-1) if outcome wins, lose stake otherwise.
		p.Matched[outcome] = p.Matched[outcome].Sub(stake.Mul(fillPrice.Sub(one)))
		for i := range p.Matched {
			if i != outcome {
				p.Matched[i] = p.Matched[i].Add(stake)
			}
		}
	} else {
		// Laying: lose stake*(price-1) if outcome wins, gain stake otherwise.
		p.Matched[outcome] = p.Matched[outcome].Add(stake.Mul(fillPrice.Sub(one)))
		for i := range p.Matched {
			if i != outcome {
				p.Matched[i] = p.Matched[i].Sub(stake)
			}
		}
	}
	return nil
}

// AddMatchedRisk records matched risk against a (product, rate) pair for
// commission distribution at settlement.
func (p *Position) AddMatchedRisk(product string, rate, risk decimal.Decimal) {
	if product == "" || risk.IsZero() {
		return
	}
	for i := range p.CommissionRisks {
		cr := &p.CommissionRisks[i]
		if cr.Product == product && cr.Rate.Equal(rate) {
			cr.Risk = cr.Risk.Add(risk)
			return
		}
	}
	p.CommissionRisks = append(p.CommissionRisks, CommissionRisk{
		Product: product,
		Rate:    rate,
		Risk:    risk,
	})
}

// worstCase returns max over outcomes of (Matched[o] + Unmatched[o]),
// signed. Negative means every outcome nets a profit.
func (p *Position) worstCase() decimal.Decimal {
	if len(p.Matched) == 0 {
		return decimal.Zero
	}
	max := p.Matched[0].Add(p.Unmatched[0])
	for i := 1; i < len(p.Matched); i++ {
		if v := p.Matched[i].Add(p.Unmatched[i]); v.GreaterThan(max) {
			max = v
		}
	}
	return max
}

// Required recomputes the offset and returns the collateral that must be
// held for this position right now. Always >= 0.
func (p *Position) Required() decimal.Decimal {
	wc := p.worstCase()
	if wc.IsNegative() {
		p.Offset = wc.Neg()
		return decimal.Zero
	}
	p.Offset = decimal.Zero
	return wc
}

// CollateralDelta returns the escrow adjustment the current exposure
// demands: positive means charge the purchaser, negative means refund.
func (p *Position) CollateralDelta() decimal.Decimal {
	return p.Required().Sub(p.Paid)
}

// MarkPaid records that escrow now holds the given amount for this position.
func (p *Position) MarkPaid(amount decimal.Decimal) {
	p.Paid = amount
}

// MatchedLoss returns the realized net loss if the given outcome wins.
// Negative values are net winnings.
func (p *Position) MatchedLoss(outcome int) (decimal.Decimal, error) {
	if err := p.checkOutcome(outcome); err != nil {
		return decimal.Zero, err
	}
	return p.Matched[outcome], nil
}
