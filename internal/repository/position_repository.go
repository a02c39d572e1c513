package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"futuresbridge/internal/models"
)

// PositionRepository persists Position rows (C4). The in-memory mirror in
// internal/positionmirror is the hot path; this layer is its durable
// backing store, read on startup to rebuild the mirror.
type PositionRepository struct {
	db *sql.DB
}

func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func (r *PositionRepository) ListOpen(ctx context.Context) ([]*models.Position, error) {
	const q = `
		SELECT id, strategy_id, account_id, symbol, symbol_root, side,
		       total_qty, avg_entry, entries, current_price, unrealized_pnl,
		       worst_unrealized, best_unrealized, status, exit_price,
		       realized_pnl, opened_at, closed_at
		FROM positions WHERE status = 'open'`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PositionRepository) Get(ctx context.Context, id int64) (*models.Position, error) {
	const q = `
		SELECT id, strategy_id, account_id, symbol, symbol_root, side,
		       total_qty, avg_entry, entries, current_price, unrealized_pnl,
		       worst_unrealized, best_unrealized, status, exit_price,
		       realized_pnl, opened_at, closed_at
		FROM positions WHERE id = $1`
	p, err := scanPosition(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPosition(row scannable) (*models.Position, error) {
	var p models.Position
	var entriesJSON []byte
	err := row.Scan(&p.ID, &p.StrategyID, &p.AccountID, &p.Symbol,
		&p.SymbolRoot, &p.Side, &p.TotalQty, &p.AvgEntry, &entriesJSON,
		&p.CurrentPrice, &p.UnrealizedPnL, &p.WorstUnrealized,
		&p.BestUnrealized, &p.Status, &p.ExitPrice, &p.RealizedPnL,
		&p.OpenedAt, &p.ClosedAt)
	if err != nil {
		return nil, err
	}
	if len(entriesJSON) > 0 {
		if err := json.Unmarshal(entriesJSON, &p.Entries); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// SumRealizedPnLSince sums realized_pnl for every position of strategyID
// closed at or after since — the webhook dispatcher's daily-loss-cap
// filter (spec.md §4.8 step 4) data source.
func (r *PositionRepository) SumRealizedPnLSince(ctx context.Context, strategyID int64, since time.Time) (decimal.Decimal, error) {
	const q = `
		SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		WHERE strategy_id = $1 AND status = 'closed' AND closed_at >= $2`
	var sum decimal.Decimal
	err := r.db.QueryRowContext(ctx, q, strategyID, since).Scan(&sum)
	return sum, err
}

// Insert creates a new open position row and assigns its ID.
func (r *PositionRepository) Insert(ctx context.Context, p *models.Position) (int64, error) {
	entriesJSON, err := json.Marshal(p.Entries)
	if err != nil {
		return 0, err
	}
	const q = `
		INSERT INTO positions (strategy_id, account_id, symbol, symbol_root,
			side, total_qty, avg_entry, entries, current_price,
			unrealized_pnl, worst_unrealized, best_unrealized, status,
			opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id`
	var id int64
	err = r.db.QueryRowContext(ctx, q, p.StrategyID, p.AccountID, p.Symbol,
		p.SymbolRoot, p.Side, p.TotalQty, p.AvgEntry, entriesJSON,
		p.CurrentPrice, p.UnrealizedPnL, p.WorstUnrealized, p.BestUnrealized,
		p.Status, p.OpenedAt).Scan(&id)
	return id, err
}

func (r *PositionRepository) Upsert(ctx context.Context, p *models.Position) error {
	entriesJSON, err := json.Marshal(p.Entries)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO positions (id, strategy_id, account_id, symbol,
			symbol_root, side, total_qty, avg_entry, entries, current_price,
			unrealized_pnl, worst_unrealized, best_unrealized, status,
			exit_price, realized_pnl, opened_at, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			total_qty=$7, avg_entry=$8, entries=$9, current_price=$10,
			unrealized_pnl=$11, worst_unrealized=$12, best_unrealized=$13,
			status=$14, exit_price=$15, realized_pnl=$16, closed_at=$18`
	_, err = r.db.ExecContext(ctx, q, p.ID, p.StrategyID, p.AccountID,
		p.Symbol, p.SymbolRoot, p.Side, p.TotalQty, p.AvgEntry, entriesJSON,
		p.CurrentPrice, p.UnrealizedPnL, p.WorstUnrealized, p.BestUnrealized,
		p.Status, p.ExitPrice, p.RealizedPnL, p.OpenedAt, p.ClosedAt)
	return err
}
