package orderbuild

import (
	"testing"

	"github.com/shopspring/decimal"

	"futuresbridge/internal/instrument"
	"futuresbridge/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testRegistry = instrument.NewRegistry([]instrument.Spec{
	{Root: "MNQ", TickSize: dec("0.25"), TickValue: dec("0.5")},
	{Root: "GC", TickSize: dec("0.10"), TickValue: dec("10")},
})

// TestBuildTPLegsPercentSplit is spec.md §8's boundary scenario: targets
// [(20,50%),(40,50%)] with qty=4 must produce legs (2,2), never (2,3) —
// the last leg absorbs the rounding remainder.
func TestBuildTPLegsPercentSplit(t *testing.T) {
	targets := []models.TPTarget{
		{Distance: dec("20"), DistanceUnit: models.UnitTicks, Trim: dec("50"), TrimUnit: models.TrimPercent},
		{Distance: dec("40"), DistanceUnit: models.UnitTicks, Trim: dec("50"), TrimUnit: models.TrimPercent},
	}
	tickSize, _ := testRegistry.TickSize("MNQ")
	legs, err := BuildTPLegs(targets, dec("4"), dec("1"), dec("21500"), models.SideLong, "MNQ", testRegistry, tickSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 2 {
		t.Fatalf("got %d legs, want 2", len(legs))
	}
	if !legs[0].Qty.Equal(dec("2")) || !legs[1].Qty.Equal(dec("2")) {
		t.Fatalf("legs = (%s,%s), want (2,2)", legs[0].Qty, legs[1].Qty)
	}
}

// TestBuildTPLegsContractsWithMultiplier is spec.md §8's boundary
// scenario: targets [(20,1),(40,1),(60,1)] contracts, multiplier=5,
// qty=15 must produce legs (5,5,5), never (1,1,13) — the multiplier MUST
// be applied to each contract-denominated trim.
func TestBuildTPLegsContractsWithMultiplier(t *testing.T) {
	targets := []models.TPTarget{
		{Distance: dec("20"), DistanceUnit: models.UnitTicks, Trim: dec("1"), TrimUnit: models.TrimContracts},
		{Distance: dec("40"), DistanceUnit: models.UnitTicks, Trim: dec("1"), TrimUnit: models.TrimContracts},
		{Distance: dec("60"), DistanceUnit: models.UnitTicks, Trim: dec("1"), TrimUnit: models.TrimContracts},
	}
	tickSize, _ := testRegistry.TickSize("MNQ")
	legs, err := BuildTPLegs(targets, dec("15"), dec("5"), dec("21500"), models.SideLong, "MNQ", testRegistry, tickSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 3 {
		t.Fatalf("got %d legs, want 3", len(legs))
	}
	for i, want := range []string{"5", "5", "5"} {
		if !legs[i].Qty.Equal(dec(want)) {
			t.Fatalf("leg %d qty = %s, want %s", i, legs[i].Qty, want)
		}
	}
}

// TestBuildTPLegsScenario1 reproduces spec.md §8's end-to-end scenario 1:
// initial_qty=2, multiplier=3, tp_targets=[(20t,1c),(40t,1c)], entry=21500.
// Expected legs at 21505.00 (qty=3) and 21510.00 (qty=3).
func TestBuildTPLegsScenario1(t *testing.T) {
	targets := []models.TPTarget{
		{Distance: dec("20"), DistanceUnit: models.UnitTicks, Trim: dec("1"), TrimUnit: models.TrimContracts},
		{Distance: dec("40"), DistanceUnit: models.UnitTicks, Trim: dec("1"), TrimUnit: models.TrimContracts},
	}
	tickSize, _ := testRegistry.TickSize("MNQ")
	legs, err := BuildTPLegs(targets, dec("6"), dec("3"), dec("21500"), models.SideLong, "MNQ", testRegistry, tickSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 2 {
		t.Fatalf("got %d legs, want 2", len(legs))
	}
	if !legs[0].Price.Equal(dec("21505.00")) || !legs[0].Qty.Equal(dec("3")) {
		t.Fatalf("leg 0 = (%s,%s), want (21505.00,3)", legs[0].Price, legs[0].Qty)
	}
	if !legs[1].Price.Equal(dec("21510.00")) || !legs[1].Qty.Equal(dec("3")) {
		t.Fatalf("leg 1 = (%s,%s), want (21510.00,3)", legs[1].Price, legs[1].Qty)
	}
}

// TestBuildTPLegsShortSide checks that distances subtract from entry on
// the short side instead of adding.
func TestBuildTPLegsShortSide(t *testing.T) {
	targets := []models.TPTarget{
		{Distance: dec("20"), DistanceUnit: models.UnitTicks, Trim: dec("100"), TrimUnit: models.TrimPercent},
	}
	tickSize, _ := testRegistry.TickSize("MNQ")
	legs, err := BuildTPLegs(targets, dec("1"), dec("1"), dec("21500"), models.SideShort, "MNQ", testRegistry, tickSize)
	if err != nil {
		t.Fatal(err)
	}
	if !legs[0].Price.Equal(dec("21495.00")) {
		t.Fatalf("short leg price = %s, want 21495.00", legs[0].Price)
	}
}

func TestBuildSLFixedLong(t *testing.T) {
	sl := models.StopLoss{Enabled: true, Distance: dec("50"), Unit: models.UnitTicks, Kind: models.SLFixed}
	tickSize, _ := testRegistry.TickSize("MNQ")
	out, err := BuildSL(sl, dec("21500"), models.SideLong, "MNQ", testRegistry, tickSize)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Price.Equal(dec("21487.50")) {
		t.Fatalf("sl price = %s, want 21487.50", out.Price)
	}
}

func TestBuildSLTrailingHasNoPrice(t *testing.T) {
	sl := models.StopLoss{Enabled: true, Distance: dec("20"), Unit: models.UnitTicks, Kind: models.SLTrailing}
	tickSize, _ := testRegistry.TickSize("MNQ")
	out, err := BuildSL(sl, dec("21500"), models.SideLong, "MNQ", testRegistry, tickSize)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Price.IsZero() {
		t.Fatalf("trailing stop set an absolute price: %s", out.Price)
	}
	if !out.TriggerDistance.Equal(dec("5")) { // 20 ticks * 0.25
		t.Fatalf("trigger distance = %s, want 5", out.TriggerDistance)
	}
}

func TestConvertDistancePercent(t *testing.T) {
	got := ConvertDistance(dec("2"), models.UnitPercent, dec("0.10"), dec("1000"))
	if !got.Equal(dec("20")) {
		t.Fatalf("percent distance = %s, want 20", got)
	}
}
