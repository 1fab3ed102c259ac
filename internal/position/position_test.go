package position_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-engine/internal/model"
	"github.com/betmesh/exchange-engine/internal/position"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestReserveUnmatched_ForOrder(t *testing.T) {
	p := position.New("m1", "alice", 3)

	// Back outcome 0 with 10: lose 10 if outcome 1 or 2 wins.
	if err := p.ReserveUnmatched(model.SideFor, 0, d(3.2), d(10)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if !p.Required().Equal(d(10)) {
		t.Errorf("expected required collateral 10, got %s", p.Required())
	}
	if !p.Unmatched[0].IsZero() {
		t.Errorf("backed outcome should carry no unmatched exposure, got %s", p.Unmatched[0])
	}
	if !p.Unmatched[1].Equal(d(10)) || !p.Unmatched[2].Equal(d(10)) {
		t.Errorf("other outcomes should carry stake exposure: %v", p.Unmatched)
	}
}

func TestReserveUnmatched_AgainstOrder(t *testing.T) {
	p := position.New("m1", "alice", 3)

	// Lay outcome 0 with 10 at 3.2: lose 10*(3.2-1) = 22 if outcome 0 wins.
	if err := p.ReserveUnmatched(model.SideAgainst, 0, d(3.2), d(10)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if !p.Required().Equal(d(22)) {
		t.Errorf("expected required collateral 22, got %s", p.Required())
	}
	if !p.Unmatched[1].IsZero() || !p.Unmatched[2].IsZero() {
		t.Errorf("non-backed outcomes should carry no exposure: %v", p.Unmatched)
	}
}

func TestSecondOrderDiscounted(t *testing.T) {
	p := position.New("m1", "alice", 2)

	// Back outcome 0 with 10: exposed 10 on outcome 1.
	p.ReserveUnmatched(model.SideFor, 0, d(2.0), d(10))
	first := p.Required()

	// Backing outcome 1 with 10 covers part of the same worst case: the
	// second order's exposure lands on outcome 0, so the max barely moves.
	p.ReserveUnmatched(model.SideFor, 1, d(2.0), d(10))
	second := p.Required()

	if !first.Equal(d(10)) {
		t.Fatalf("expected first required 10, got %s", first)
	}
	if !second.Equal(d(10)) {
		t.Errorf("second complementary order should not increase collateral, got %s", second)
	}
}

func TestApplyFill_KeepsCollateralAtSamePrice(t *testing.T) {
	p := position.New("m1", "alice", 2)

	p.ReserveUnmatched(model.SideFor, 0, d(3.2), d(10))
	before := p.Required()

	if err := p.ApplyFill(model.SideFor, 0, d(3.2), d(3.2), d(10)); err != nil {
		t.Fatalf("fill: %v", err)
	}
	after := p.Required()

	if !before.Equal(after) {
		t.Errorf("matching at requested price must not change collateral: before=%s after=%s", before, after)
	}
	if !p.Matched[0].Equal(d(-22)) {
		t.Errorf("expected matched profit 22 on outcome 0, got %s", p.Matched[0])
	}
	if !p.Matched[1].Equal(d(10)) {
		t.Errorf("expected matched loss 10 on outcome 1, got %s", p.Matched[1])
	}
}

func TestOffset_GuaranteedProfit(t *testing.T) {
	p := position.New("m1", "alice", 2)

	// Matched back 10 at 3.0 then matched lay 15 at 2.0 on the same
	// outcome: nets +5 whichever outcome wins. The negative worst case is
	// absorbed by the offset so collateral never goes negative.
	p.ReserveUnmatched(model.SideFor, 0, d(3.0), d(10))
	p.ApplyFill(model.SideFor, 0, d(3.0), d(3.0), d(10))
	p.ReserveUnmatched(model.SideAgainst, 0, d(2.0), d(15))
	p.ApplyFill(model.SideAgainst, 0, d(2.0), d(2.0), d(15))

	req := p.Required()
	if !req.IsZero() {
		t.Errorf("guaranteed-profit book should require zero collateral, got %s", req)
	}
	if !p.Offset.Equal(d(5)) {
		t.Errorf("expected offset 5 (guaranteed profit), got %s", p.Offset)
	}
}

func TestCollateralDelta_RefundOnRelease(t *testing.T) {
	p := position.New("m1", "alice", 2)

	p.ReserveUnmatched(model.SideFor, 0, d(2.0), d(10))
	p.MarkPaid(p.Required())

	if err := p.ReleaseUnmatched(model.SideFor, 0, d(2.0), d(10)); err != nil {
		t.Fatalf("release: %v", err)
	}

	delta := p.CollateralDelta()
	if !delta.Equal(d(-10)) {
		t.Errorf("expected refund of 10, got delta %s", delta)
	}
}

func TestOutcomeOutOfRange(t *testing.T) {
	p := position.New("m1", "alice", 2)

	err := p.ReserveUnmatched(model.SideFor, 5, d(2.0), d(10))
	if !errors.Is(err, position.ErrOutcomeOutOfRange) {
		t.Errorf("expected ErrOutcomeOutOfRange, got %v", err)
	}
}

func TestAddMatchedRisk_AggregatesPerProductRate(t *testing.T) {
	p := position.New("m1", "alice", 2)

	p.AddMatchedRisk("bookie-a", d(0.05), d(10))
	p.AddMatchedRisk("bookie-a", d(0.05), d(5))
	p.AddMatchedRisk("bookie-a", d(0.10), d(3)) // rate changed mid-market
	p.AddMatchedRisk("", d(0.05), d(99))        // no product, ignored

	if len(p.CommissionRisks) != 2 {
		t.Fatalf("expected 2 (product, rate) entries, got %d", len(p.CommissionRisks))
	}
	if !p.CommissionRisks[0].Risk.Equal(d(15)) {
		t.Errorf("expected aggregated risk 15, got %s", p.CommissionRisks[0].Risk)
	}
}
