package repository

import (
	"context"
	"database/sql"
	"errors"

	"futuresbridge/internal/models"
)

// SignalRepository is the persisted half of C3's dual-layer design: an
// append-only log backing the in-memory dedup index (internal/signalstore).
type SignalRepository struct {
	db *sql.DB
}

func NewSignalRepository(db *sql.DB) *SignalRepository {
	return &SignalRepository{db: db}
}

func (r *SignalRepository) Insert(ctx context.Context, s *models.Signal) (int64, error) {
	const q = `
		INSERT INTO signals (strategy_id, webhook_token, received_ts,
			raw_payload, action, symbol, dedup_key, side, track_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`
	var id int64
	err := r.db.QueryRowContext(ctx, q, s.StrategyID, s.WebhookToken,
		s.ReceivedTs, s.RawPayload, s.Parsed.Action, s.Parsed.Symbol,
		s.DedupKey, s.Side, s.TrackStatus).Scan(&id)
	return id, err
}

// CloseOpenForSide closes every open-tracked signal for (strategyID,
// symbol, side) other than keepID — the DCA-off half of the signal
// tracking contract (spec.md §4.8 step 9): a fresh same-side entry with
// DCA disabled must not leave the prior entry's signal row open, or it
// pollutes the dispatcher's position detection with a stale "open" row.
func (r *SignalRepository) CloseOpenForSide(ctx context.Context, strategyID int64, symbol string, side models.Side, keepID int64) error {
	const q = `
		UPDATE signals SET track_status = 'closed'
		WHERE strategy_id = $1 AND symbol = $2 AND side = $3
		  AND track_status = 'open' AND id != $4`
	_, err := r.db.ExecContext(ctx, q, strategyID, symbol, side, keepID)
	return err
}

// ExistsByDedupKey reports whether a signal with the same dedup key was
// already recorded — used as the durable fallback when the in-memory
// dedup index was reset by a restart (spec.md §4.2).
func (r *SignalRepository) ExistsByDedupKey(ctx context.Context, dedupKey string) (bool, error) {
	const q = `SELECT 1 FROM signals WHERE dedup_key = $1 LIMIT 1`
	var one int
	err := r.db.QueryRowContext(ctx, q, dedupKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
