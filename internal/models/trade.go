package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

type ExitReason string

const (
	ExitTP        ExitReason = "tp"
	ExitSL        ExitReason = "sl"
	ExitSignal    ExitReason = "signal"
	ExitFlip      ExitReason = "flip"
	ExitFlatten   ExitReason = "flatten"
	ExitManual    ExitReason = "manual"
	ExitAutoFlat  ExitReason = "auto_flat"
	ExitReconcile ExitReason = "reconcile"
)

// Trade is C5 (spec.md §3). One Position may contain many Trades — each
// DCA add opens its own Trade row within the Position.
type Trade struct {
	ID           int64
	StrategyID   int64
	PositionID   int64
	Symbol       string
	Side         Side
	Qty          decimal.Decimal
	EntryPrice   decimal.Decimal
	EntryTs      time.Time
	ExitPrice    *decimal.Decimal
	ExitTs       *time.Time
	TPPrice      *decimal.Decimal
	SLPrice      *decimal.Decimal
	MaxFavorable decimal.Decimal
	MaxAdverse   decimal.Decimal
	Status       TradeStatus
	ExitReason   ExitReason
}

// TrackExcursion updates MaxFavorable/MaxAdverse from a per-contract
// unrealized move; qtys and tick conversion are already applied by the
// caller (Position Mirror), matching spec.md's worst/best contract shape.
func (t *Trade) TrackExcursion(unrealizedPerTrade decimal.Decimal) {
	if unrealizedPerTrade.GreaterThan(t.MaxFavorable) {
		t.MaxFavorable = unrealizedPerTrade
	}
	neg := unrealizedPerTrade.Neg()
	if neg.GreaterThan(t.MaxAdverse) {
		t.MaxAdverse = neg
	}
}

func (t *Trade) CloseTrade(exitPrice decimal.Decimal, reason ExitReason, now time.Time) {
	t.Status = TradeClosed
	t.ExitPrice = &exitPrice
	t.ExitTs = &now
	t.ExitReason = reason
}
