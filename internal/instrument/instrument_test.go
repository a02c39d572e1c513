package instrument

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRootOf(t *testing.T) {
	cases := map[string]string{
		"GCJ6":  "GC",
		"MNQZ5": "MNQ",
		"MNQ1!": "MNQ",
		"MGCJ6": "MGC",
		"SIK6":  "SI",
		"ESZ5":  "ES",
		"MESZ5": "MES",
	}
	for ticker, want := range cases {
		got, err := DefaultRegistry.RootOf(ticker)
		if err != nil {
			t.Fatalf("RootOf(%q) error: %v", ticker, err)
		}
		if got != want {
			t.Errorf("RootOf(%q) = %q, want %q", ticker, got, want)
		}
	}
}

func TestRootOfUnknown(t *testing.T) {
	if _, err := DefaultRegistry.RootOf("ZZZQ9"); err != ErrUnknownSymbol {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestTickSize(t *testing.T) {
	ts, err := DefaultRegistry.TickSize("GC")
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("GC tick size = %s, want 0.10", ts)
	}
}

func TestRoundToTick(t *testing.T) {
	price := decimal.RequireFromString("21502.137")
	got, err := DefaultRegistry.RoundToTick(price, "MNQ")
	if err != nil {
		t.Fatal(err)
	}
	want := decimal.RequireFromString("21502.25")
	if !got.Equal(want) {
		t.Errorf("RoundToTick = %s, want %s", got, want)
	}
}

func TestRoundToTickMissingRoot(t *testing.T) {
	if _, err := DefaultRegistry.RoundToTick(decimal.NewFromInt(100), "ZZZ"); err != ErrUnknownSymbol {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}
