package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// TestAddEntryAggregation exercises the DCA aggregation contract of
// spec.md §4.3: TotalQty and AvgEntry must match the invariants of
// spec.md §8 within 1e-8.
func TestAddEntryAggregation(t *testing.T) {
	p := &Position{Side: SideLong}
	now := time.Now()

	p.AddEntry(dec("21500"), dec("2"), now)
	p.AddEntry(dec("21490"), dec("2"), now)

	if !p.TotalQty.Equal(dec("4")) {
		t.Fatalf("total qty = %s, want 4", p.TotalQty)
	}
	wantAvg := dec("21495")
	if diff := p.AvgEntry.Sub(wantAvg).Abs(); diff.GreaterThan(dec("0.00000001")) {
		t.Fatalf("avg entry = %s, want %s", p.AvgEntry, wantAvg)
	}

	var sumQty decimal.Decimal
	var sumWeighted decimal.Decimal
	for _, e := range p.Entries {
		sumQty = sumQty.Add(e.Qty)
		sumWeighted = sumWeighted.Add(e.Price.Mul(e.Qty))
	}
	if !sumQty.Equal(p.TotalQty) {
		t.Fatalf("sum(entries.qty) = %s, total_qty = %s", sumQty, p.TotalQty)
	}
	if diff := sumWeighted.Div(sumQty).Sub(p.AvgEntry).Abs(); diff.GreaterThan(dec("0.00000001")) {
		t.Fatalf("weighted avg drifted from AvgEntry by %s", diff)
	}
}

// TestAddEntryTwoFills mirrors spec.md scenario 2's DCA add, checked
// against the resulting blended average directly.
func TestAddEntryTwoFills(t *testing.T) {
	p := &Position{Side: SideLong}
	now := time.Now()
	p.AddEntry(dec("21500"), dec("2"), now) // initial entry
	p.AddEntry(dec("21490"), dec("2"), now) // DCA add

	want := dec("21495")
	if !p.AvgEntry.Equal(want) {
		t.Fatalf("avg entry after DCA add = %s, want %s", p.AvgEntry, want)
	}
	if !p.TotalQty.Equal(dec("4")) {
		t.Fatalf("total qty after DCA add = %s, want 4", p.TotalQty)
	}
}

// TestApplyPriceUpdateExcursion checks the worst/best tracking contract:
// worst_unrealized <= 0 <= best_unrealized must hold at all times on an
// open position (spec.md §8).
func TestApplyPriceUpdateExcursion(t *testing.T) {
	p := &Position{Side: SideLong}
	p.AddEntry(dec("21500"), dec("1"), time.Now())

	tickValue := dec("5")
	tickSize := dec("0.25")

	p.ApplyPriceUpdate(dec("21505"), tickValue, tickSize) // +5 points favorable
	if !p.BestUnrealized.GreaterThan(decimal.Zero) {
		t.Fatalf("best unrealized = %s, want > 0 after favorable move", p.BestUnrealized)
	}
	if p.WorstUnrealized.GreaterThan(decimal.Zero) {
		t.Fatalf("worst unrealized = %s, want <= 0", p.WorstUnrealized)
	}

	p.ApplyPriceUpdate(dec("21490"), tickValue, tickSize) // -10 points adverse
	if !p.WorstUnrealized.LessThan(decimal.Zero) {
		t.Fatalf("worst unrealized = %s, want < 0 after adverse move", p.WorstUnrealized)
	}
	if !p.BestUnrealized.GreaterThanOrEqual(decimal.Zero) {
		t.Fatalf("best unrealized regressed below zero: %s", p.BestUnrealized)
	}

	// A price between the two extremes must not move either bound — this
	// is the coalesced-write signal ApplyPriceUpdate's bool return guards.
	changed := p.ApplyPriceUpdate(dec("21498"), tickValue, tickSize)
	if changed {
		t.Fatalf("expected no change signal for a price inside the existing excursion band")
	}
}

// TestApplyPriceUpdateShort mirrors the short-side unrealized formula.
func TestApplyPriceUpdateShort(t *testing.T) {
	p := &Position{Side: SideShort}
	p.AddEntry(dec("21500"), dec("1"), time.Now())

	p.ApplyPriceUpdate(dec("21490"), dec("5"), dec("0.25")) // price fell, short is favorable
	if !p.UnrealizedPnL.GreaterThan(decimal.Zero) {
		t.Fatalf("short unrealized = %s, want > 0 when price falls below entry", p.UnrealizedPnL)
	}
}

// TestCloseRealizesPnL checks the opposite-direction close contract.
func TestCloseRealizesPnL(t *testing.T) {
	p := &Position{Side: SideLong}
	p.AddEntry(dec("21500"), dec("4"), time.Now())

	p.Close(dec("21495"), dec("0.5"), dec("0.25"), time.Now())

	if p.Status != PositionClosed {
		t.Fatalf("status = %s, want closed", p.Status)
	}
	if p.ExitPrice == nil || p.RealizedPnL == nil || p.ClosedAt == nil {
		t.Fatalf("closed position must set exit_price, realized_pnl, and closed_at")
	}
	want := dec("-40") // (21495-21500)/0.25*0.5*4
	if !p.RealizedPnL.Equal(want) {
		t.Fatalf("realized pnl = %s, want %s", p.RealizedPnL, want)
	}
}

func TestSideOpposite(t *testing.T) {
	if SideLong.Opposite() != SideShort {
		t.Fatalf("long.Opposite() != short")
	}
	if SideShort.Opposite() != SideLong {
		t.Fatalf("short.Opposite() != long")
	}
}
