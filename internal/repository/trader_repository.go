package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"futuresbridge/internal/models"
)

// TraderRepository persists Trader (Account Link) rows.
type TraderRepository struct {
	db *sql.DB
}

func NewTraderRepository(db *sql.DB) *TraderRepository {
	return &TraderRepository{db: db}
}

func (r *TraderRepository) Get(ctx context.Context, id int64) (*models.Trader, error) {
	const q = `
		SELECT id, strategy_id, broker_account_id, multiplier, enabled,
		       is_leader, follower_of, override_initial_qty,
		       override_dca_qty, override_dca_enabled, override_tp_targets,
		       override_stop_loss, override_break_even, override_filters
		FROM traders WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, q, id))
}

// ListByStrategy returns every enabled Trader bound to a strategy — the
// fan-out set the execution engine and copy-trade propagator iterate.
func (r *TraderRepository) ListByStrategy(ctx context.Context, strategyID int64) ([]*models.Trader, error) {
	const q = `
		SELECT id, strategy_id, broker_account_id, multiplier, enabled,
		       is_leader, follower_of, override_initial_qty,
		       override_dca_qty, override_dca_enabled, override_tp_targets,
		       override_stop_loss, override_break_even, override_filters
		FROM traders WHERE strategy_id = $1 AND enabled = true`
	rows, err := r.db.QueryContext(ctx, q, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trader
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListFollowersOf returns every enabled Trader following leaderTraderID.
func (r *TraderRepository) ListFollowersOf(ctx context.Context, leaderTraderID int64) ([]*models.Trader, error) {
	const q = `
		SELECT id, strategy_id, broker_account_id, multiplier, enabled,
		       is_leader, follower_of, override_initial_qty,
		       override_dca_qty, override_dca_enabled, override_tp_targets,
		       override_stop_loss, override_break_even, override_filters
		FROM traders WHERE follower_of = $1 AND enabled = true`
	rows, err := r.db.QueryContext(ctx, q, leaderTraderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trader
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllEnabled returns every enabled Trader across every strategy — the
// reconciliation loop's (C13) per-account sweep set.
func (r *TraderRepository) ListAllEnabled(ctx context.Context) ([]*models.Trader, error) {
	const q = `
		SELECT id, strategy_id, broker_account_id, multiplier, enabled,
		       is_leader, follower_of, override_initial_qty,
		       override_dca_qty, override_dca_enabled, override_tp_targets,
		       override_stop_loss, override_break_even, override_filters
		FROM traders WHERE enabled = true`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trader
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListByAccount returns every enabled Trader bound to a broker account,
// across every strategy it's linked to — used to resolve an account-level
// setting (e.g. the effective daily loss cap the Max-Loss Listener checks)
// when the caller only has the broker account id, not a strategy id.
func (r *TraderRepository) ListByAccount(ctx context.Context, accountID int64) ([]*models.Trader, error) {
	const q = `
		SELECT id, strategy_id, broker_account_id, multiplier, enabled,
		       is_leader, follower_of, override_initial_qty,
		       override_dca_qty, override_dca_enabled, override_tp_targets,
		       override_stop_loss, override_break_even, override_filters
		FROM traders WHERE broker_account_id = $1 AND enabled = true`
	rows, err := r.db.QueryContext(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trader
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetLeaderByAccount returns the enabled leader Trader bound to accountID,
// if any — the copy-trade propagator's (C15) entry point for resolving
// which Trader row a raw broker account id belongs to before calling
// ListFollowersOf.
func (r *TraderRepository) GetLeaderByAccount(ctx context.Context, accountID int64) (*models.Trader, error) {
	const q = `
		SELECT id, strategy_id, broker_account_id, multiplier, enabled,
		       is_leader, follower_of, override_initial_qty,
		       override_dca_qty, override_dca_enabled, override_tp_targets,
		       override_stop_loss, override_break_even, override_filters
		FROM traders WHERE broker_account_id = $1 AND is_leader = true AND enabled = true
		LIMIT 1`
	return r.scanOne(r.db.QueryRowContext(ctx, q, accountID))
}

// IsAccountActiveForSymbolRoot reports whether accountID already has an
// enabled, non-follower Trader bound to a strategy on symbolRoot — the
// copy-trade propagator's (C15) skip check, since a follower who is also
// directly webhook-driven on the same instrument must not receive a
// duplicated copy order (spec.md §4.11).
func (r *TraderRepository) IsAccountActiveForSymbolRoot(ctx context.Context, accountID int64, symbolRoot string) (bool, error) {
	const q = `
		SELECT EXISTS(
			SELECT 1 FROM traders t
			JOIN strategies s ON s.id = t.strategy_id
			WHERE t.broker_account_id = $1 AND t.enabled = true
			  AND t.follower_of IS NULL AND s.symbol_root = $2
		)`
	var exists bool
	err := r.db.QueryRowContext(ctx, q, accountID, symbolRoot).Scan(&exists)
	return exists, err
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func (r *TraderRepository) scanOne(row *sql.Row) (*models.Trader, error) {
	t, err := r.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (r *TraderRepository) scanRow(row scannable) (*models.Trader, error) {
	var t models.Trader
	var tpJSON, slJSON, beJSON, filtersJSON []byte
	err := row.Scan(&t.ID, &t.StrategyID, &t.BrokerAccountID, &t.Multiplier,
		&t.Enabled, &t.IsLeader, &t.FollowerOf, &t.OverrideInitialQty,
		&t.OverrideDCAQty, &t.OverrideDCAEnabled, &tpJSON, &slJSON, &beJSON,
		&filtersJSON)
	if err != nil {
		return nil, err
	}
	if len(tpJSON) > 0 {
		if err := json.Unmarshal(tpJSON, &t.OverrideTPTargets); err != nil {
			return nil, err
		}
	}
	if len(slJSON) > 0 {
		t.OverrideStopLoss = &models.StopLoss{}
		if err := json.Unmarshal(slJSON, t.OverrideStopLoss); err != nil {
			return nil, err
		}
	}
	if len(beJSON) > 0 {
		t.OverrideBreakEven = &models.BreakEven{}
		if err := json.Unmarshal(beJSON, t.OverrideBreakEven); err != nil {
			return nil, err
		}
	}
	if len(filtersJSON) > 0 {
		t.OverrideFilters = &models.FilterSet{}
		if err := json.Unmarshal(filtersJSON, t.OverrideFilters); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
