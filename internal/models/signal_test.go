package models

import (
	"testing"
	"time"
)

func TestNormalizeAction(t *testing.T) {
	cases := map[string]Action{
		"buy":     ActionBuy,
		"Long":    ActionBuy,
		"SELL":    ActionSell,
		"short":   ActionSell,
		"close":   ActionClose,
		"flatten": ActionClose,
		"exit":    ActionClose,
		"tp_hit":  ActionTPHit,
		"sl_hit":  ActionSLHit,
	}
	for raw, want := range cases {
		got, ok := NormalizeAction(raw)
		if !ok {
			t.Fatalf("NormalizeAction(%q) rejected, want %s", raw, want)
		}
		if got != want {
			t.Errorf("NormalizeAction(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestNormalizeActionUnknown(t *testing.T) {
	if _, ok := NormalizeAction("ping"); ok {
		t.Fatalf("NormalizeAction(\"ping\") should be rejected")
	}
}

// TestDedupKeyCollapsesWithinWindow checks spec.md §4.2/§8's dedup
// contract: two signals for the same (token, action, symbol) within the
// same rounded second collapse to one key.
func TestDedupKeyCollapsesWithinWindow(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	a := DedupKey("tok", ActionBuy, "MNQZ5", base)
	b := DedupKey("tok", ActionBuy, "MNQZ5", base.Add(400*time.Millisecond))
	if a != b {
		t.Fatalf("dedup keys within the same second differ: %s vs %s", a, b)
	}

	c := DedupKey("tok", ActionBuy, "mnqz5", base) // case-insensitive symbol
	if a != c {
		t.Fatalf("dedup key is not symbol-case-insensitive: %s vs %s", a, c)
	}
}

func TestDedupKeyDiffersAcrossFields(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	a := DedupKey("tok", ActionBuy, "MNQZ5", base)

	if b := DedupKey("tok", ActionSell, "MNQZ5", base); a == b {
		t.Fatalf("dedup key identical across different actions")
	}
	if b := DedupKey("tok", ActionBuy, "ESZ5", base); a == b {
		t.Fatalf("dedup key identical across different symbols")
	}
	if b := DedupKey("tok2", ActionBuy, "MNQZ5", base); a == b {
		t.Fatalf("dedup key identical across different tokens")
	}
	if b := DedupKey("tok", ActionBuy, "MNQZ5", base.Add(2*time.Second)); a == b {
		t.Fatalf("dedup key identical across a 2s gap, want distinct bucket")
	}
}
