// Package ladder defines the admissible price ladder for market outcomes.
// Every order must reference a price present on the ladder; prices are
// decimal odds, strictly greater than 1.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ladder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrPriceNotOnLadder is returned when an order references a price the
	// ladder does not carry.
	ErrPriceNotOnLadder = errors.New("ladder: price not on ladder")

	// ErrInvalidPrice is returned when a candidate ladder price is not a
	// valid decimal-odds value (must exceed 1).
	ErrInvalidPrice = errors.New("ladder: price must be greater than 1")

	// ErrDuplicatePrice is returned when the same price appears twice.
	ErrDuplicatePrice = errors.New("ladder: duplicate price")
)

var one = decimal.NewFromInt(1)

// Ladder is an ordered, duplicate-free sequence of admissible prices.
// Immutable after construction.
type Ladder struct {
	prices []decimal.Decimal
	index  map[string]struct{}
}

// New builds a ladder from the given prices, sorting ascending. Rejects
// prices at or below 1 and duplicates.
func New(prices []decimal.Decimal) (*Ladder, error) {
	if len(prices) == 0 {
		return nil, errors.New("ladder: at least one price required")
	}

	l := &Ladder{
		prices: make([]decimal.Decimal, 0, len(prices)),
		index:  make(map[string]struct{}, len(prices)),
	}
	for _, p := range prices {
		if p.LessThanOrEqual(one) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, p)
		}
		key := p.String()
		if _, ok := l.index[key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePrice, p)
		}
		l.index[key] = struct{}{}
		l.prices = append(l.prices, p)
	}

	sort.Slice(l.prices, func(i, j int) bool {
		return l.prices[i].LessThan(l.prices[j])
	})
	return l, nil
}

// Contains reports whether price is admissible on this ladder.
func (l *Ladder) Contains(price decimal.Decimal) bool {
	_, ok := l.index[price.String()]
	return ok
}

// Validate returns ErrPriceNotOnLadder when price is inadmissible.
func (l *Ladder) Validate(price decimal.Decimal) error {
	if !l.Contains(price) {
		return fmt.Errorf("%w: %s", ErrPriceNotOnLadder, price)
	}
	return nil
}

// Prices returns the ladder contents in ascending order. The returned slice
// is a copy.
func (l *Ladder) Prices() []decimal.Decimal {
	out := make([]decimal.Decimal, len(l.prices))
	copy(out, l.prices)
	return out
}

// Len returns the number of rungs.
func (l *Ladder) Len() int { return len(l.prices) }
