package listeners

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futuresbridge/internal/models"
)

func ldec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// TestClassifyDelta covers spec.md §4.11's leader delta table end to end.
func TestClassifyDelta(t *testing.T) {
	cases := []struct {
		name     string
		prev     LeaderState
		newSide  models.Side
		newQty   decimal.Decimal
		wantKind DeltaKind
		wantQty  decimal.Decimal
	}{
		{"flat to flat", LeaderState{Qty: ldec("0")}, models.SideLong, ldec("0"), DeltaNone, ldec("0")},
		{"entry from flat", LeaderState{Qty: ldec("0")}, models.SideLong, ldec("1"), DeltaEntry, ldec("1")},
		{"add same side", LeaderState{Side: models.SideLong, Qty: ldec("1")}, models.SideLong, ldec("3"), DeltaAdd, ldec("2")},
		{"trim same side", LeaderState{Side: models.SideLong, Qty: ldec("3")}, models.SideLong, ldec("1"), DeltaTrim, ldec("2")},
		{"reversal", LeaderState{Side: models.SideLong, Qty: ldec("2")}, models.SideShort, ldec("1"), DeltaReversal, ldec("3")},
		{"close to flat", LeaderState{Side: models.SideLong, Qty: ldec("2")}, models.SideLong, ldec("0"), DeltaClose, ldec("2")},
		{"unchanged", LeaderState{Side: models.SideLong, Qty: ldec("2")}, models.SideLong, ldec("2"), DeltaNone, ldec("0")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			kind, qty := ClassifyDelta(c.prev, c.newSide, c.newQty)
			if kind != c.wantKind {
				t.Fatalf("kind = %s, want %s", kind, c.wantKind)
			}
			if !qty.Equal(c.wantQty) {
				t.Fatalf("qty = %s, want %s", qty, c.wantQty)
			}
		})
	}
}

// TestLeaderListenerCopyTradeScenario reproduces spec.md §8 scenario 5:
// leader holds long 1 on NQ, adds to long 2; expects one ADD delta of 1.
func TestLeaderListenerCopyTradeScenario(t *testing.T) {
	var got []LeaderDelta
	l := NewLeaderListener(func(accountID int64, d LeaderDelta) {
		got = append(got, d)
	})

	l.HandlePosition(PositionEvent{EventID: "e1", AccountID: 1, Symbol: "NQZ5", SymbolRoot: "NQ", Side: models.SideLong, NetQty: ldec("1"), Price: ldec("21000")})
	l.HandlePosition(PositionEvent{EventID: "e2", AccountID: 1, Symbol: "NQZ5", SymbolRoot: "NQ", Side: models.SideLong, NetQty: ldec("2"), Price: ldec("21010")})

	if len(got) != 2 {
		t.Fatalf("got %d deltas, want 2", len(got))
	}
	if got[0].Kind != DeltaEntry || !got[0].Qty.Equal(ldec("1")) {
		t.Fatalf("first delta = %+v, want entry qty=1", got[0])
	}
	if got[1].Kind != DeltaAdd || !got[1].Qty.Equal(ldec("1")) {
		t.Fatalf("second delta = %+v, want add qty=1", got[1])
	}
}

// TestLeaderListenerSuppressesTaggedCopyFill is the two-layer loop
// prevention contract of spec.md §4.11: a fill matching a recently tagged
// copy order must not re-emit as a leader delta.
func TestLeaderListenerSuppressesTaggedCopyFill(t *testing.T) {
	var got []LeaderDelta
	l := NewLeaderListener(func(accountID int64, d LeaderDelta) {
		got = append(got, d)
	})

	// This account is also a leader; we tag the fill we expect our own
	// copy order to produce before it arrives over WS.
	l.TagCopyFill(1, "NQ", models.SideLong, ldec("2"))
	l.HandlePosition(PositionEvent{EventID: "e1", AccountID: 1, Symbol: "NQZ5", SymbolRoot: "NQ", Side: models.SideLong, NetQty: ldec("2"), Price: ldec("21000")})

	if len(got) != 0 {
		t.Fatalf("got %d deltas, want 0 (suppressed)", len(got))
	}
}

// TestDedupSetAdmitOnce is spec.md §8's idempotence property: re-delivering
// an event with the same id must not be processed twice.
func TestDedupSetAdmitOnce(t *testing.T) {
	d := newDedupSet(time.Minute)
	if !d.Admit("evt-1") {
		t.Fatal("first Admit should return true")
	}
	if d.Admit("evt-1") {
		t.Fatal("second Admit of the same id should return false")
	}
	if !d.Admit("evt-2") {
		t.Fatal("a distinct id should be admitted")
	}
}
