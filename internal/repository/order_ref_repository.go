package repository

import (
	"context"
	"database/sql"

	"futuresbridge/internal/models"
)

// OrderRefRepository persists OrderReference rows — a local cache keyed
// by (broker_account_id, broker_order_id), never used cross-account.
type OrderRefRepository struct {
	db *sql.DB
}

func NewOrderRefRepository(db *sql.DB) *OrderRefRepository {
	return &OrderRefRepository{db: db}
}

func (r *OrderRefRepository) Insert(ctx context.Context, o *models.OrderReference) (int64, error) {
	const q = `
		INSERT INTO order_references (broker_order_id, broker_account_id,
			kind, position_id, trade_id, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`
	var id int64
	err := r.db.QueryRowContext(ctx, q, o.BrokerOrderID, o.BrokerAccountID,
		o.Kind, o.PositionID, o.TradeID, o.Status).Scan(&id)
	return id, err
}

// ListByPosition returns every order reference recorded for a position.
func (r *OrderRefRepository) ListByPosition(ctx context.Context, positionID int64) ([]*models.OrderReference, error) {
	const q = `
		SELECT id, broker_order_id, broker_account_id, kind, position_id,
		       trade_id, status
		FROM order_references WHERE position_id = $1`
	rows, err := r.db.QueryContext(ctx, q, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.OrderReference
	for rows.Next() {
		var o models.OrderReference
		if err := rows.Scan(&o.ID, &o.BrokerOrderID, &o.BrokerAccountID,
			&o.Kind, &o.PositionID, &o.TradeID, &o.Status); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (r *OrderRefRepository) UpdateStatus(ctx context.Context, brokerAccountID int64, brokerOrderID string, status models.OrderStatus) error {
	const q = `
		UPDATE order_references SET status = $3
		WHERE broker_account_id = $1 AND broker_order_id = $2`
	res, err := r.db.ExecContext(ctx, q, brokerAccountID, brokerOrderID, status)
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
