package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"futuresbridge/internal/models"
)

// AccountRepository persists BrokerAccount rows, including the encrypted
// auth material column — callers never see plaintext through this layer.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Get(ctx context.Context, id int64) (*models.BrokerAccount, error) {
	const q = `
		SELECT id, broker, auth_material_encrypted, token_expiry, live,
		       token_key, needs_reauth
		FROM broker_accounts WHERE id = $1`
	var a models.BrokerAccount
	err := r.db.QueryRowContext(ctx, q, id).Scan(&a.ID, &a.Broker,
		&a.AuthMaterialEncrypted, &a.TokenExpiry, &a.Live, &a.TokenKey,
		&a.NeedsReauth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListExpiringBefore returns every account whose token expires before cutoff
// — the token refresh daemon's (C14) sweep query.
func (r *AccountRepository) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.BrokerAccount, error) {
	const q = `
		SELECT id, broker, auth_material_encrypted, token_expiry, live,
		       token_key, needs_reauth
		FROM broker_accounts WHERE token_expiry < $1 AND needs_reauth = false`
	rows, err := r.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.BrokerAccount
	for rows.Next() {
		var a models.BrokerAccount
		if err := rows.Scan(&a.ID, &a.Broker, &a.AuthMaterialEncrypted,
			&a.TokenExpiry, &a.Live, &a.TokenKey, &a.NeedsReauth); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetByTokenKey returns one account sharing tokenKey — used to resolve a
// WebSocket handshake's bearer token, where the caller only knows the
// token_key a SharedConnection dials with, not a specific account id
// (spec.md §4.4: N accounts share one token).
func (r *AccountRepository) GetByTokenKey(ctx context.Context, tokenKey string) (*models.BrokerAccount, error) {
	const q = `
		SELECT id, broker, auth_material_encrypted, token_expiry, live,
		       token_key, needs_reauth
		FROM broker_accounts WHERE token_key = $1 LIMIT 1`
	var a models.BrokerAccount
	err := r.db.QueryRowContext(ctx, q, tokenKey).Scan(&a.ID, &a.Broker,
		&a.AuthMaterialEncrypted, &a.TokenExpiry, &a.Live, &a.TokenKey,
		&a.NeedsReauth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) UpdateTokenExpiry(ctx context.Context, id int64, expiry time.Time) error {
	const q = `UPDATE broker_accounts SET token_expiry = $2, needs_reauth = false WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id, expiry)
	return err
}

func (r *AccountRepository) SetNeedsReauth(ctx context.Context, id int64, needs bool) error {
	const q = `UPDATE broker_accounts SET needs_reauth = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id, needs)
	return err
}
