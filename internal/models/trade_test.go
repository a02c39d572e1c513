package models

import (
	"testing"
	"time"
)

// TestTrackExcursionTracksExtremes checks that MaxFavorable/MaxAdverse
// only ever grow towards their respective extremes, matching the Position
// Mirror's worst/best unrealized contract (spec.md §4.3) applied at the
// Trade level.
func TestTrackExcursionTracksExtremes(t *testing.T) {
	tr := &Trade{}

	tr.TrackExcursion(dec("10"))
	if !tr.MaxFavorable.Equal(dec("10")) {
		t.Fatalf("max favorable = %s, want 10", tr.MaxFavorable)
	}
	if !tr.MaxAdverse.IsZero() {
		t.Fatalf("max adverse = %s, want 0", tr.MaxAdverse)
	}

	tr.TrackExcursion(dec("-5"))
	if !tr.MaxFavorable.Equal(dec("10")) {
		t.Fatalf("max favorable regressed to %s, want still 10", tr.MaxFavorable)
	}
	if !tr.MaxAdverse.Equal(dec("5")) {
		t.Fatalf("max adverse = %s, want 5", tr.MaxAdverse)
	}

	tr.TrackExcursion(dec("3"))
	if !tr.MaxFavorable.Equal(dec("10")) {
		t.Fatalf("max favorable changed to %s on a smaller favorable move", tr.MaxFavorable)
	}
	if !tr.MaxAdverse.Equal(dec("5")) {
		t.Fatalf("max adverse changed to %s on a favorable move", tr.MaxAdverse)
	}
}

// TestCloseTradeSetsExitFields is spec.md §3's Trade invariant: closed
// implies exit_price, exit_ts, exit_reason are all set.
func TestCloseTradeSetsExitFields(t *testing.T) {
	tr := &Trade{Status: TradeOpen}
	now := time.Now()

	tr.CloseTrade(dec("21510"), ExitTP, now)

	if tr.Status != TradeClosed {
		t.Fatalf("status = %s, want closed", tr.Status)
	}
	if tr.ExitPrice == nil || !tr.ExitPrice.Equal(dec("21510")) {
		t.Fatalf("exit price not set correctly: %v", tr.ExitPrice)
	}
	if tr.ExitTs == nil || !tr.ExitTs.Equal(now) {
		t.Fatalf("exit ts not set correctly: %v", tr.ExitTs)
	}
	if tr.ExitReason != ExitTP {
		t.Fatalf("exit reason = %s, want tp", tr.ExitReason)
	}
}
