// Package risk enforces per-order and per-market risk limits on incoming
// order requests: stake precision against the market's decimal limit, a
// maximum stake per order, and a maximum total exposure per purchaser per
// market.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrStakePrecision is returned when a stake carries more decimal
	// places than the market allows.
	ErrStakePrecision = errors.New("risk: stake precision exceeds market decimal limit")

	// ErrStakeTooSmall is returned for zero or negative stakes.
	ErrStakeTooSmall = errors.New("risk: stake must be positive")

	// ErrMaxStakeExceeded is returned when a single order's stake exceeds
	// the per-order maximum.
	ErrMaxStakeExceeded = errors.New("risk: stake exceeds per-order maximum")

	// ErrMaxExposureExceeded is returned when a purchaser's worst-case
	// exposure on one market would exceed the per-market maximum.
	ErrMaxExposureExceeded = errors.New("risk: market exposure limit exceeded")
)

// Checker validates order requests against configured limits. Zero-valued
// limits disable the corresponding check.
type Checker struct {
	// MaxStake is the largest single-order stake accepted.
	MaxStake decimal.Decimal

	// MaxMarketExposure caps a purchaser's worst-case loss on one market.
	MaxMarketExposure decimal.Decimal
}

// NewChecker creates a checker with the given limits.
func NewChecker(maxStake, maxMarketExposure decimal.Decimal) *Checker {
	return &Checker{
		MaxStake:          maxStake,
		MaxMarketExposure: maxMarketExposure,
	}
}

// CheckStake validates a stake against precision and size limits.
// decimalLimit is the market's maximum stake precision.
func (c *Checker) CheckStake(stake decimal.Decimal, decimalLimit int32) error {
	if stake.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", ErrStakeTooSmall, stake)
	}
	if stake.Exponent() < -decimalLimit {
		return fmt.Errorf("%w: %s has more than %d decimal places",
			ErrStakePrecision, stake, decimalLimit)
	}
	if c.MaxStake.IsPositive() && stake.GreaterThan(c.MaxStake) {
		return fmt.Errorf("%w: %s > %s", ErrMaxStakeExceeded, stake, c.MaxStake)
	}
	return nil
}

// CheckExposure validates a purchaser's post-order worst-case exposure.
func (c *Checker) CheckExposure(required decimal.Decimal) error {
	if c.MaxMarketExposure.IsPositive() && required.GreaterThan(c.MaxMarketExposure) {
		return fmt.Errorf("%w: %s > %s", ErrMaxExposureExceeded, required, c.MaxMarketExposure)
	}
	return nil
}
