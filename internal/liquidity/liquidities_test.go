package liquidity_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/liquidity"
	"github.com/betmesh/exchange-engine/internal/model"
)

func TestCrossPrice_TwoOutcomes(t *testing.T) {
	// 1/2.0 leaves 0.5 implied probability: cross price 2.0.
	price, err := liquidity.CrossPrice([]decimal.Decimal{d(2.0)})
	if err != nil {
		t.Fatalf("cross price: %v", err)
	}
	if !price.Equal(d(2.0)) {
		t.Errorf("expected 2.0, got %s", price)
	}
}

func TestCrossPrice_ThreeOutcomes(t *testing.T) {
	// 1/3 + 1/3 leaves 1/3: cross price 3.0.
	price, err := liquidity.CrossPrice([]decimal.Decimal{d(3.0), d(3.0)})
	if err != nil {
		t.Fatalf("cross price: %v", err)
	}
	if !price.Equal(d(3.0)) {
		t.Errorf("expected 3.0, got %s", price)
	}
}

func TestCrossPrice_NoRemainder(t *testing.T) {
	// 1/2 + 1/2 leaves nothing for the remaining outcome.
	_, err := liquidity.CrossPrice([]decimal.Decimal{d(2.0), d(2.0)})
	if !errors.Is(err, liquidity.ErrNoCrossPrice) {
		t.Errorf("expected ErrNoCrossPrice, got %v", err)
	}
}

func TestCrossLiquidity_MinimumSourceGoverns(t *testing.T) {
	sources := []liquidity.SourceLiquidity{
		{Outcome: 0, Price: d(3.0), Liquidity: d(10)}, // product 30
		{Outcome: 1, Price: d(3.0), Liquidity: d(20)}, // product 60
	}
	got := liquidity.CrossLiquidity(d(3.0), sources)
	if !got.Equal(d(10)) {
		t.Errorf("expected 10 (min product / cross price), got %s", got)
	}
}

func TestSynthesizeCross_RecordsSources(t *testing.T) {
	ml := liquidity.NewMarketLiquidities("m1")

	point, err := ml.SynthesizeCross(model.SideFor, 2, 3, []liquidity.SourceLiquidity{
		{Outcome: 0, Price: d(3.0), Liquidity: d(10)},
		{Outcome: 1, Price: d(3.0), Liquidity: d(20)},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	if !point.Synthesized() {
		t.Fatal("expected synthesized point to carry sources")
	}
	if len(point.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(point.Sources))
	}
	if !point.Price.Equal(d(3.0)) || !point.Liquidity.Equal(d(10)) {
		t.Errorf("unexpected point %s@%s", point.Liquidity, point.Price)
	}

	got, ok := ml.Cross(model.SideFor, 2, d(3.0))
	if !ok {
		t.Fatal("expected cross point retrievable")
	}
	if !got.Liquidity.Equal(d(10)) {
		t.Errorf("expected stored liquidity 10, got %s", got.Liquidity)
	}
}

func TestSynthesizeCross_WrongSourceCount(t *testing.T) {
	ml := liquidity.NewMarketLiquidities("m1")

	_, err := ml.SynthesizeCross(model.SideFor, 2, 3, []liquidity.SourceLiquidity{
		{Outcome: 0, Price: d(3.0), Liquidity: d(10)},
	})
	if !errors.Is(err, liquidity.ErrCrossSourceCount) {
		t.Errorf("expected ErrCrossSourceCount, got %v", err)
	}
}

// Synthesized entries survive source cancellation; only a match attempt
// clears them.
func TestCross_SurvivesSourceCancellation(t *testing.T) {
	ml := liquidity.NewMarketLiquidities("m1")

	ml.AddDirect(model.SideFor, 0, d(3.0), d(10))
	ml.AddDirect(model.SideFor, 1, d(3.0), d(20))

	if _, err := ml.SynthesizeCross(model.SideFor, 2, 3, []liquidity.SourceLiquidity{
		{Outcome: 0, Price: d(3.0), Liquidity: d(10)},
		{Outcome: 1, Price: d(3.0), Liquidity: d(20)},
	}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	// Cancel the outcome-0 source order entirely.
	ml.SubtractDirect(model.SideFor, 0, d(3.0), d(10))
	if _, ok := ml.Direct(model.SideFor, 0, d(3.0)); ok {
		t.Fatal("expected direct source removed")
	}

	// The synthesized entry for outcome 2 is intact.
	if _, ok := ml.Cross(model.SideFor, 2, d(3.0)); !ok {
		t.Fatal("synthesized entry must survive source cancellation")
	}

	// A match attempt consumes it.
	point, err := ml.ConsumeCross(model.SideFor, 2, d(3.0))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(point.Sources) != 2 {
		t.Errorf("expected consumed point to expose its sources, got %d", len(point.Sources))
	}
	if _, ok := ml.Cross(model.SideFor, 2, d(3.0)); ok {
		t.Error("expected synthesized entry removed after match attempt")
	}
}

func TestAddSubtractDirect(t *testing.T) {
	ml := liquidity.NewMarketLiquidities("m1")

	ml.AddDirect(model.SideAgainst, 1, d(2.5), d(10))
	ml.AddDirect(model.SideAgainst, 1, d(2.5), d(5))

	point, ok := ml.Direct(model.SideAgainst, 1, d(2.5))
	if !ok || !point.Liquidity.Equal(d(15)) {
		t.Fatalf("expected aggregated direct liquidity 15, got %v %s", ok, point.Liquidity)
	}

	ml.SubtractDirect(model.SideAgainst, 1, d(2.5), d(15))
	if _, ok := ml.Direct(model.SideAgainst, 1, d(2.5)); ok {
		t.Error("expected zeroed point removed")
	}
}
