package ladder_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/ladder"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNew_SortsAscending(t *testing.T) {
	l, err := ladder.New([]decimal.Decimal{d(3.2), d(1.5), d(2.0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prices := l.Prices()
	if len(prices) != 3 {
		t.Fatalf("expected 3 prices, got %d", len(prices))
	}
	if !prices[0].Equal(d(1.5)) || !prices[2].Equal(d(3.2)) {
		t.Errorf("prices not sorted ascending: %v", prices)
	}
}

func TestNew_RejectsPriceAtOrBelowOne(t *testing.T) {
	_, err := ladder.New([]decimal.Decimal{d(1.0), d(2.0)})
	if !errors.Is(err, ladder.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestNew_RejectsDuplicates(t *testing.T) {
	_, err := ladder.New([]decimal.Decimal{d(2.0), d(2.0)})
	if !errors.Is(err, ladder.ErrDuplicatePrice) {
		t.Errorf("expected ErrDuplicatePrice, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	l, err := ladder.New([]decimal.Decimal{d(1.5), d(2.0), d(3.2)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := l.Validate(d(3.2)); err != nil {
		t.Errorf("expected 3.2 on ladder, got %v", err)
	}
	if err := l.Validate(d(3.25)); !errors.Is(err, ladder.ErrPriceNotOnLadder) {
		t.Errorf("expected ErrPriceNotOnLadder, got %v", err)
	}
}
