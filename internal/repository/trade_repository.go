package repository

import (
	"context"
	"database/sql"
	"errors"

	"futuresbridge/internal/models"
)

// TradeRepository persists Trade rows (C5) — one per fill within a
// Position's lifetime.
type TradeRepository struct {
	db *sql.DB
}

func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

func (r *TradeRepository) Insert(ctx context.Context, t *models.Trade) (int64, error) {
	const q = `
		INSERT INTO trades (strategy_id, position_id, symbol, side, qty,
			entry_price, entry_ts, tp_price, sl_price, max_favorable,
			max_adverse, status, exit_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`
	var id int64
	err := r.db.QueryRowContext(ctx, q, t.StrategyID, t.PositionID, t.Symbol,
		t.Side, t.Qty, t.EntryPrice, t.EntryTs, t.TPPrice, t.SLPrice,
		t.MaxFavorable, t.MaxAdverse, t.Status, t.ExitReason).Scan(&id)
	return id, err
}

func (r *TradeRepository) Get(ctx context.Context, id int64) (*models.Trade, error) {
	const q = `
		SELECT id, strategy_id, position_id, symbol, side, qty, entry_price,
		       entry_ts, exit_price, exit_ts, tp_price, sl_price,
		       max_favorable, max_adverse, status, exit_reason
		FROM trades WHERE id = $1`
	var t models.Trade
	err := r.db.QueryRowContext(ctx, q, id).Scan(&t.ID, &t.StrategyID,
		&t.PositionID, &t.Symbol, &t.Side, &t.Qty, &t.EntryPrice, &t.EntryTs,
		&t.ExitPrice, &t.ExitTs, &t.TPPrice, &t.SLPrice, &t.MaxFavorable,
		&t.MaxAdverse, &t.Status, &t.ExitReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListOpenByPosition returns every still-open Trade under a Position —
// the set TrackExcursion/CloseTrade operate on when a price update or
// close event arrives.
func (r *TradeRepository) ListOpenByPosition(ctx context.Context, positionID int64) ([]*models.Trade, error) {
	const q = `
		SELECT id, strategy_id, position_id, symbol, side, qty, entry_price,
		       entry_ts, exit_price, exit_ts, tp_price, sl_price,
		       max_favorable, max_adverse, status, exit_reason
		FROM trades WHERE position_id = $1 AND status = 'open'`
	rows, err := r.db.QueryContext(ctx, q, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.PositionID, &t.Symbol,
			&t.Side, &t.Qty, &t.EntryPrice, &t.EntryTs, &t.ExitPrice,
			&t.ExitTs, &t.TPPrice, &t.SLPrice, &t.MaxFavorable,
			&t.MaxAdverse, &t.Status, &t.ExitReason); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *TradeRepository) Update(ctx context.Context, t *models.Trade) error {
	const q = `
		UPDATE trades SET exit_price=$2, exit_ts=$3, max_favorable=$4,
			max_adverse=$5, status=$6, exit_reason=$7
		WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, t.ID, t.ExitPrice, t.ExitTs,
		t.MaxFavorable, t.MaxAdverse, t.Status, t.ExitReason)
	return err
}
