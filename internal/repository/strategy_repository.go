package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"futuresbridge/internal/models"
)

// ErrNotFound is returned by every repository when a row doesn't exist,
// matching the teacher's order_repository sentinel-error pattern.
var ErrNotFound = errors.New("repository: not found")

// StrategyRepository persists Strategy rows (spec.md §3) over database/sql
// with lib/pq, parameterized with $1,$2,... placeholders.
type StrategyRepository struct {
	db *sql.DB
}

func NewStrategyRepository(db *sql.DB) *StrategyRepository {
	return &StrategyRepository{db: db}
}

func (r *StrategyRepository) Get(ctx context.Context, id int64) (*models.Strategy, error) {
	const q = `
		SELECT id, owner_id, name, webhook_token, symbol_root, initial_qty,
		       dca_qty, dca_enabled, tp_targets, stop_loss, break_even,
		       filters, auto_flat_minute_of_day, created_at, updated_at
		FROM strategies WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, q, id))
}

func (r *StrategyRepository) GetByWebhookToken(ctx context.Context, token string) (*models.Strategy, error) {
	const q = `
		SELECT id, owner_id, name, webhook_token, symbol_root, initial_qty,
		       dca_qty, dca_enabled, tp_targets, stop_loss, break_even,
		       filters, auto_flat_minute_of_day, created_at, updated_at
		FROM strategies WHERE webhook_token = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, q, token))
}

func (r *StrategyRepository) scanOne(row *sql.Row) (*models.Strategy, error) {
	var s models.Strategy
	var tpTargets, stopLoss, breakEven, filters []byte
	err := row.Scan(&s.ID, &s.OwnerID, &s.Name, &s.WebhookToken, &s.SymbolRoot,
		&s.InitialQty, &s.DCAQty, &s.DCAEnabled, &tpTargets, &stopLoss,
		&breakEven, &filters, &s.AutoFlatMinuteOfDay, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tpTargets, &s.TPTargets); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stopLoss, &s.StopLoss); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(breakEven, &s.BreakEven); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filters, &s.Filters); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StrategyRepository) Create(ctx context.Context, s *models.Strategy) (int64, error) {
	tpTargets, err := json.Marshal(s.TPTargets)
	if err != nil {
		return 0, err
	}
	stopLoss, err := json.Marshal(s.StopLoss)
	if err != nil {
		return 0, err
	}
	breakEven, err := json.Marshal(s.BreakEven)
	if err != nil {
		return 0, err
	}
	filters, err := json.Marshal(s.Filters)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	const q = `
		INSERT INTO strategies (owner_id, name, webhook_token, symbol_root,
			initial_qty, dca_qty, dca_enabled, tp_targets, stop_loss,
			break_even, filters, auto_flat_minute_of_day, created_at,
			updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id`
	var id int64
	err = r.db.QueryRowContext(ctx, q, s.OwnerID, s.Name, s.WebhookToken,
		s.SymbolRoot, s.InitialQty, s.DCAQty, s.DCAEnabled, tpTargets,
		stopLoss, breakEven, filters, s.AutoFlatMinuteOfDay, now, now).Scan(&id)
	return id, err
}

func (r *StrategyRepository) Update(ctx context.Context, s *models.Strategy) error {
	tpTargets, err := json.Marshal(s.TPTargets)
	if err != nil {
		return err
	}
	stopLoss, err := json.Marshal(s.StopLoss)
	if err != nil {
		return err
	}
	breakEven, err := json.Marshal(s.BreakEven)
	if err != nil {
		return err
	}
	filters, err := json.Marshal(s.Filters)
	if err != nil {
		return err
	}
	const q = `
		UPDATE strategies SET name=$2, symbol_root=$3, initial_qty=$4,
			dca_qty=$5, dca_enabled=$6, tp_targets=$7, stop_loss=$8,
			break_even=$9, filters=$10, auto_flat_minute_of_day=$11,
			updated_at=$12
		WHERE id=$1`
	res, err := r.db.ExecContext(ctx, q, s.ID, s.Name, s.SymbolRoot,
		s.InitialQty, s.DCAQty, s.DCAEnabled, tpTargets, stopLoss,
		breakEven, filters, s.AutoFlatMinuteOfDay, time.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
