package listeners

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futuresbridge/internal/models"
)

// copyFillWindow is the second layer of the two-layer loop-prevention
// contract of spec.md §4.11: a leader fill that matches a copy order this
// process itself just placed (e.g. because the account is both a follower
// and a leader in a cyclic configuration) is suppressed for this long.
const copyFillWindow = 10 * time.Second

// DeltaKind classifies a leader account's position transition, per
// spec.md §4.11.
type DeltaKind string

const (
	DeltaEntry    DeltaKind = "entry"
	DeltaAdd      DeltaKind = "add"
	DeltaTrim     DeltaKind = "trim"
	DeltaReversal DeltaKind = "reversal"
	DeltaClose    DeltaKind = "close"
	DeltaNone     DeltaKind = "none"
)

// LeaderDelta is the classified output the Copy-Trade Propagator consumes.
type LeaderDelta struct {
	Kind       DeltaKind
	Symbol     string
	SymbolRoot string
	Side       models.Side
	Qty        decimal.Decimal // the delta quantity, always positive
	Price      decimal.Decimal
	Ts         time.Time
}

// LeaderState tracks the previous observed position for one leader account
// + symbol_root, so consecutive position events can be diffed into a
// LeaderDelta.
type LeaderState struct {
	Side models.Side
	Qty  decimal.Decimal
}

// ClassifyDelta implements spec.md §4.11's leader delta table.
func ClassifyDelta(prev LeaderState, newSide models.Side, newQty decimal.Decimal) (DeltaKind, decimal.Decimal) {
	wasFlat := prev.Qty.IsZero()
	isFlat := newQty.IsZero()

	switch {
	case wasFlat && isFlat:
		return DeltaNone, decimal.Zero
	case wasFlat && !isFlat:
		return DeltaEntry, newQty
	case !wasFlat && isFlat:
		return DeltaClose, prev.Qty
	case prev.Side != newSide:
		return DeltaReversal, prev.Qty.Add(newQty)
	case newQty.GreaterThan(prev.Qty):
		return DeltaAdd, newQty.Sub(prev.Qty)
	case newQty.LessThan(prev.Qty):
		return DeltaTrim, prev.Qty.Sub(newQty)
	default:
		return DeltaNone, decimal.Zero
	}
}

// LeaderListener is C9: wraps PositionEvent handling with delta
// classification against the last-seen state per (account, symbol_root).
type LeaderListener struct {
	mu      sync.Mutex
	states  map[string]LeaderState
	onDelta func(accountID int64, d LeaderDelta)

	copyFills *dedupSet
}

func NewLeaderListener(onDelta func(accountID int64, d LeaderDelta)) *LeaderListener {
	return &LeaderListener{
		states:    make(map[string]LeaderState),
		onDelta:   onDelta,
		copyFills: newDedupSet(copyFillWindow),
	}
}

func leaderKey(accountID int64, symbolRoot string) string {
	return symbolRoot + "|" + decimal.NewFromInt(accountID).String()
}

func copyFillKey(accountID int64, symbolRoot string, side models.Side, qty decimal.Decimal) string {
	return fmt.Sprintf("%d|%s|%s|%s", accountID, symbolRoot, side, qty.String())
}

// TagCopyFill registers the fill this process expects a copy order it just
// placed to produce. The copy-trade propagator (C15) calls this right
// after enqueuing a follower task so HandlePosition can suppress the echo
// if that same account is also configured as a leader (spec.md §4.11's
// cyclic-reference case).
func (l *LeaderListener) TagCopyFill(accountID int64, symbolRoot string, side models.Side, qty decimal.Decimal) {
	l.copyFills.Admit(copyFillKey(accountID, symbolRoot, side, qty))
}

func (l *LeaderListener) HandlePosition(ev PositionEvent) {
	k := leaderKey(ev.AccountID, ev.SymbolRoot)
	l.mu.Lock()
	prev := l.states[k]
	kind, delta := ClassifyDelta(prev, ev.Side, ev.NetQty)
	l.states[k] = LeaderState{Side: ev.Side, Qty: ev.NetQty}
	l.mu.Unlock()

	if kind == DeltaNone {
		return
	}
	// Admit returns false (already present) exactly when this delta's fill
	// matches one this process tagged as self-caused — the loop-prevention
	// suppression. A never-seen key is consumed here too, which is fine:
	// a genuine leader fill and a copy echo are indistinguishable beyond
	// this key, so the first match always wins the window.
	if !l.copyFills.Admit(copyFillKey(ev.AccountID, ev.SymbolRoot, ev.Side, delta)) {
		return
	}
	l.onDelta(ev.AccountID, LeaderDelta{
		Kind:       kind,
		Symbol:     ev.Symbol,
		SymbolRoot: ev.SymbolRoot,
		Side:       ev.Side,
		Qty:        delta,
		Price:      ev.Price,
		Ts:         time.Now(),
	})
}
