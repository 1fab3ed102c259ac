package liquidity

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/model"
)

// PriceScale is the number of decimal places synthesized prices round to.
const PriceScale int32 = 3

// StakeScale is the number of decimal places synthesized liquidity rounds
// down to, so a synthesized figure never exceeds its source contribution.
const StakeScale int32 = 2

var (
	// ErrNoCrossPrice is returned when the source prices leave no implied
	// probability for the remaining outcome (sum of reciprocals >= 1).
	ErrNoCrossPrice = errors.New("liquidity: source prices imply no valid cross price")

	// ErrCrossSourceCount is returned when synthesis is attempted with the
	// wrong number of sources for the market's outcome count.
	ErrCrossSourceCount = errors.New("liquidity: cross synthesis requires one source per other outcome")

	// ErrPointNotFound is returned when consuming a liquidity point that
	// does not exist.
	ErrPointNotFound = errors.New("liquidity: liquidity point not found")
)

// Source names one (outcome, price) contribution a synthesized point was
// derived from. Empty sources mark directly-placed liquidity.
type Source struct {
	Outcome int             `json:"outcome"`
	Price   decimal.Decimal `json:"price"`
}

// SourceLiquidity is a Source together with its resting liquidity, the
// input to a synthesis call.
type SourceLiquidity struct {
	Outcome   int
	Price     decimal.Decimal
	Liquidity decimal.Decimal
}

// Point is one liquidity figure at an (outcome, price). Synthesized points
// carry the sources they were derived from; direct points carry none.
type Point struct {
	Outcome   int             `json:"outcome"`
	Price     decimal.Decimal `json:"price"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Sources   []Source        `json:"sources,omitempty"`
}

// Synthesized reports whether this point was derived from other outcomes.
func (p *Point) Synthesized() bool { return len(p.Sources) > 0 }

// MarketLiquidities aggregates direct and synthesized liquidity for one
// market, one list per side.
//
// Synthesized entries are invalidated only when a match is attempted against
// them — cancelling a source order leaves them intact.
type MarketLiquidities struct {
	MarketID string  `json:"market_id" db:"market_id"`
	For      []Point `json:"for" db:"for_points"`
	Against  []Point `json:"against" db:"against_points"`
}

// NewMarketLiquidities creates an empty aggregate for a market.
func NewMarketLiquidities(marketID string) *MarketLiquidities {
	return &MarketLiquidities{MarketID: marketID}
}

// CrossPrice computes the price implied for the remaining outcome by the
// given source prices, such that the implied probabilities are
// complementary:
//
//	1/p_target = 1 - Σ 1/p_i
//
// Rounded to PriceScale decimal places.
func CrossPrice(sourcePrices []decimal.Decimal) (decimal.Decimal, error) {
	if len(sourcePrices) == 0 {
		return decimal.Zero, ErrNoCrossPrice
	}

	sum := decimal.Zero
	for _, p := range sourcePrices {
		if p.LessThanOrEqual(one) {
			return decimal.Zero, fmt.Errorf("%w: source price %s", ErrNoCrossPrice, p)
		}
		sum = sum.Add(one.Div(p))
	}

	remainder := one.Sub(sum)
	if remainder.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNoCrossPrice
	}
	return one.Div(remainder).Round(PriceScale), nil
}

var one = decimal.NewFromInt(1)

// CrossLiquidity returns the liquidity transferable to the synthesized
// price without exceeding any source's own resting liquidity: the stake ×
// price product is constant across the legs, so the minimum product governs.
func CrossLiquidity(crossPrice decimal.Decimal, sources []SourceLiquidity) decimal.Decimal {
	if len(sources) == 0 || crossPrice.LessThanOrEqual(one) {
		return decimal.Zero
	}
	min := sources[0].Liquidity.Mul(sources[0].Price)
	for _, s := range sources[1:] {
		if v := s.Liquidity.Mul(s.Price); v.LessThan(min) {
			min = v
		}
	}
	return min.Div(crossPrice).RoundDown(StakeScale)
}

func (ml *MarketLiquidities) side(side model.Side) *[]Point {
	if side == model.SideFor {
		return &ml.For
	}
	return &ml.Against
}

func find(points []Point, outcome int, price decimal.Decimal, synthesized bool) int {
	for i := range points {
		p := &points[i]
		if p.Outcome == outcome && p.Price.Equal(price) && p.Synthesized() == synthesized {
			return i
		}
	}
	return -1
}

// AddDirect records directly-placed resting liquidity at (outcome, price).
func (ml *MarketLiquidities) AddDirect(side model.Side, outcome int, price, stake decimal.Decimal) {
	points := ml.side(side)
	if i := find(*points, outcome, price, false); i >= 0 {
		(*points)[i].Liquidity = (*points)[i].Liquidity.Add(stake)
		return
	}
	*points = append(*points, Point{Outcome: outcome, Price: price, Liquidity: stake})
}

// SubtractDirect releases directly-placed liquidity, deleting the point when
// it reaches zero. Synthesized points derived from it are left untouched.
func (ml *MarketLiquidities) SubtractDirect(side model.Side, outcome int, price, stake decimal.Decimal) {
	points := ml.side(side)
	i := find(*points, outcome, price, false)
	if i < 0 {
		return
	}
	p := &(*points)[i]
	p.Liquidity = p.Liquidity.Sub(stake)
	if p.Liquidity.LessThanOrEqual(decimal.Zero) {
		*points = append((*points)[:i], (*points)[i+1:]...)
	}
}

// Direct returns the directly-placed point at (outcome, price), if any.
func (ml *MarketLiquidities) Direct(side model.Side, outcome int, price decimal.Decimal) (Point, bool) {
	points := *ml.side(side)
	if i := find(points, outcome, price, false); i >= 0 {
		return points[i], true
	}
	return Point{}, false
}

// SynthesizeCross derives a synthesized point for targetOutcome from one
// source per other outcome and upserts it, recording the sources used.
// outcomeCount is the market's total outcome count.
func (ml *MarketLiquidities) SynthesizeCross(side model.Side, targetOutcome, outcomeCount int, sources []SourceLiquidity) (Point, error) {
	if len(sources) != outcomeCount-1 {
		return Point{}, fmt.Errorf("%w: got %d sources for %d outcomes", ErrCrossSourceCount, len(sources), outcomeCount)
	}

	prices := make([]decimal.Decimal, len(sources))
	srcRefs := make([]Source, len(sources))
	for i, s := range sources {
		if s.Outcome == targetOutcome {
			return Point{}, fmt.Errorf("%w: source names the target outcome", ErrCrossSourceCount)
		}
		prices[i] = s.Price
		srcRefs[i] = Source{Outcome: s.Outcome, Price: s.Price}
	}

	crossPrice, err := CrossPrice(prices)
	if err != nil {
		return Point{}, err
	}

	point := Point{
		Outcome:   targetOutcome,
		Price:     crossPrice,
		Liquidity: CrossLiquidity(crossPrice, sources),
		Sources:   srcRefs,
	}

	points := ml.side(side)
	if i := find(*points, targetOutcome, crossPrice, true); i >= 0 {
		(*points)[i] = point
	} else {
		*points = append(*points, point)
	}
	return point, nil
}

// Cross returns the synthesized point at (outcome, price), if any.
func (ml *MarketLiquidities) Cross(side model.Side, outcome int, price decimal.Decimal) (Point, bool) {
	points := *ml.side(side)
	if i := find(points, outcome, price, true); i >= 0 {
		return points[i], true
	}
	return Point{}, false
}

// CrossForOutcome returns all synthesized points for an outcome on a side.
func (ml *MarketLiquidities) CrossForOutcome(side model.Side, outcome int) []Point {
	var out []Point
	for _, p := range *ml.side(side) {
		if p.Outcome == outcome && p.Synthesized() {
			out = append(out, p)
		}
	}
	return out
}

// ConsumeCross removes liquidity from a synthesized point in response to a
// match attempt, returning the sources it was derived from so the caller can
// settle the legs. The point is deleted outright; any remainder is
// re-derived by the caller from residual source liquidity.
func (ml *MarketLiquidities) ConsumeCross(side model.Side, outcome int, price decimal.Decimal) (Point, error) {
	points := ml.side(side)
	i := find(*points, outcome, price, true)
	if i < 0 {
		return Point{}, fmt.Errorf("%w: cross %d@%s", ErrPointNotFound, outcome, price)
	}
	point := (*points)[i]
	*points = append((*points)[:i], (*points)[i+1:]...)
	return point, nil
}
