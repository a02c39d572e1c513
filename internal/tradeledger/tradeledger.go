// Package tradeledger is the Trade Ledger (C5, spec.md §4.3): tracks the
// individual fills (Trades) contributing to a Position, their excursion
// extremes, and their exit reasons.
package tradeledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"futuresbridge/internal/models"
	"futuresbridge/internal/repository"
)

type Ledger struct {
	repo *repository.TradeRepository
}

func New(repo *repository.TradeRepository) *Ledger {
	return &Ledger{repo: repo}
}

// OpenTrade records a new fill as its own Trade row under positionID.
func (l *Ledger) OpenTrade(ctx context.Context, strategyID, positionID int64, symbol string, side models.Side, qty, entryPrice decimal.Decimal, now time.Time) (*models.Trade, error) {
	t := &models.Trade{
		StrategyID: strategyID,
		PositionID: positionID,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: entryPrice,
		EntryTs:    now,
		Status:     models.TradeOpen,
	}
	id, err := l.repo.Insert(ctx, t)
	if err != nil {
		return nil, err
	}
	t.ID = id
	return t, nil
}

// TrackExcursion updates every open trade under positionID with the
// per-contract unrealized move the Position Mirror just computed.
func (l *Ledger) TrackExcursion(ctx context.Context, positionID int64, unrealizedPerContract decimal.Decimal) error {
	trades, err := l.repo.ListOpenByPosition(ctx, positionID)
	if err != nil {
		return err
	}
	for _, t := range trades {
		t.TrackExcursion(unrealizedPerContract)
		if err := l.repo.Update(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// CloseAll closes every open trade under positionID at exitPrice.
func (l *Ledger) CloseAll(ctx context.Context, positionID int64, exitPrice decimal.Decimal, reason models.ExitReason, now time.Time) error {
	trades, err := l.repo.ListOpenByPosition(ctx, positionID)
	if err != nil {
		return err
	}
	for _, t := range trades {
		t.CloseTrade(exitPrice, reason, now)
		if err := l.repo.Update(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
