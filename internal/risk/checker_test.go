package risk_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/risk"
)

func TestCheckStake_Precision(t *testing.T) {
	c := risk.NewChecker(decimal.Zero, decimal.Zero)

	if err := c.CheckStake(decimal.RequireFromString("10.25"), 2); err != nil {
		t.Errorf("2dp stake within 2dp limit should pass: %v", err)
	}
	err := c.CheckStake(decimal.RequireFromString("10.255"), 2)
	if !errors.Is(err, risk.ErrStakePrecision) {
		t.Errorf("expected ErrStakePrecision, got %v", err)
	}
}

func TestCheckStake_Positive(t *testing.T) {
	c := risk.NewChecker(decimal.Zero, decimal.Zero)

	if err := c.CheckStake(decimal.Zero, 2); !errors.Is(err, risk.ErrStakeTooSmall) {
		t.Errorf("expected ErrStakeTooSmall for zero, got %v", err)
	}
	if err := c.CheckStake(decimal.NewFromInt(-5), 2); !errors.Is(err, risk.ErrStakeTooSmall) {
		t.Errorf("expected ErrStakeTooSmall for negative, got %v", err)
	}
}

func TestCheckStake_MaxStake(t *testing.T) {
	c := risk.NewChecker(decimal.NewFromInt(100), decimal.Zero)

	if err := c.CheckStake(decimal.NewFromInt(100), 2); err != nil {
		t.Errorf("stake at limit should pass: %v", err)
	}
	if err := c.CheckStake(decimal.NewFromInt(101), 2); !errors.Is(err, risk.ErrMaxStakeExceeded) {
		t.Errorf("expected ErrMaxStakeExceeded, got %v", err)
	}
}

func TestCheckExposure(t *testing.T) {
	c := risk.NewChecker(decimal.Zero, decimal.NewFromInt(1000))

	if err := c.CheckExposure(decimal.NewFromInt(1000)); err != nil {
		t.Errorf("exposure at limit should pass: %v", err)
	}
	if err := c.CheckExposure(decimal.NewFromInt(1001)); !errors.Is(err, risk.ErrMaxExposureExceeded) {
		t.Errorf("expected ErrMaxExposureExceeded, got %v", err)
	}

	// Zero limit disables the check.
	unlimited := risk.NewChecker(decimal.Zero, decimal.Zero)
	if err := unlimited.CheckExposure(decimal.NewFromInt(999999)); err != nil {
		t.Errorf("zero limit should disable exposure check: %v", err)
	}
}
