package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Entry is one fill contributing to a Position's weighted average.
type Entry struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
	Ts    time.Time
}

// Position is C4 (spec.md §3). Invariant: TotalQty = sum(Entries.Qty);
// AvgEntry = sum(Entries.Price*Qty)/TotalQty. At most one open Position
// exists per (StrategyID, Symbol) at a time — enforced by PositionMirror,
// not by this struct.
type Position struct {
	ID                int64
	StrategyID        int64
	AccountID         int64
	Symbol            string
	SymbolRoot        string
	Side              Side
	TotalQty          decimal.Decimal
	AvgEntry          decimal.Decimal
	Entries           []Entry
	CurrentPrice      decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	WorstUnrealized   decimal.Decimal
	BestUnrealized    decimal.Decimal
	Status            PositionStatus
	ExitPrice         *decimal.Decimal
	RealizedPnL       *decimal.Decimal
	OpenedAt          time.Time
	ClosedAt          *time.Time
}

// AddEntry implements the DCA aggregation contract of spec.md §4.3.
func (p *Position) AddEntry(price, qty decimal.Decimal, now time.Time) {
	p.Entries = append(p.Entries, Entry{Price: price, Qty: qty, Ts: now})
	p.TotalQty = p.TotalQty.Add(qty)
	sum := decimal.Zero
	for _, e := range p.Entries {
		sum = sum.Add(e.Price.Mul(e.Qty))
	}
	p.AvgEntry = sum.Div(p.TotalQty)
}

// ApplyPriceUpdate implements the unrealized-excursion contract of
// spec.md §4.3. Returns true if worst or best changed (the coalesced-write
// signal: only flush to persistence when this is true).
func (p *Position) ApplyPriceUpdate(price, tickValue, tickSize decimal.Decimal) bool {
	p.CurrentPrice = price
	var unrealized decimal.Decimal
	switch p.Side {
	case SideLong:
		unrealized = price.Sub(p.AvgEntry).Mul(tickValue).Div(tickSize).Mul(p.TotalQty)
	case SideShort:
		unrealized = p.AvgEntry.Sub(price).Mul(tickValue).Div(tickSize).Mul(p.TotalQty)
	}
	p.UnrealizedPnL = unrealized

	changed := false
	if unrealized.LessThan(p.WorstUnrealized) {
		p.WorstUnrealized = unrealized
		changed = true
	}
	if unrealized.GreaterThan(p.BestUnrealized) {
		p.BestUnrealized = unrealized
		changed = true
	}
	return changed
}

// ReduceQty implements a partial close: TotalQty shrinks by qty while
// AvgEntry is left untouched, since a reduce realizes no PnL against the
// blended entry price by itself — only a later Close does. Used by the
// copy-trade trim path (spec.md §4.11); never drops TotalQty below zero.
func (p *Position) ReduceQty(qty decimal.Decimal) {
	p.TotalQty = p.TotalQty.Sub(qty)
	if p.TotalQty.IsNegative() {
		p.TotalQty = decimal.Zero
	}
}

// Close realizes PnL from AvgEntry and the fill price and marks the
// position closed, per the opposite-direction contract of spec.md §4.3.
func (p *Position) Close(exitPrice, tickValue, tickSize decimal.Decimal, now time.Time) {
	var realized decimal.Decimal
	switch p.Side {
	case SideLong:
		realized = exitPrice.Sub(p.AvgEntry).Mul(tickValue).Div(tickSize).Mul(p.TotalQty)
	case SideShort:
		realized = p.AvgEntry.Sub(exitPrice).Mul(tickValue).Div(tickSize).Mul(p.TotalQty)
	}
	p.Status = PositionClosed
	p.ExitPrice = &exitPrice
	p.RealizedPnL = &realized
	p.ClosedAt = &now
}
