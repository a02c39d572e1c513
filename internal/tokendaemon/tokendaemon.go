// Package tokendaemon is the Token Refresh Daemon (C14, spec.md §4.10): a
// fixed-interval sweep that keeps broker auth tokens from expiring under
// load, generalizing the teacher's scheduler.go ticker-loop shape to a
// single narrow job.
package tokendaemon

import (
	"context"
	"time"

	"futuresbridge/internal/broker"
	"futuresbridge/internal/clockid"
	"futuresbridge/internal/repository"
	"futuresbridge/pkg/utils"
)

// Daemon refreshes every broker account whose token expires within Window
// of now, on every tick of Interval.
type Daemon struct {
	accounts *repository.AccountRepository
	client   broker.Client
	clock    clockid.Clock
	log      *utils.Logger

	interval time.Duration
	window   time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(accounts *repository.AccountRepository, client broker.Client, clock clockid.Clock, interval, window time.Duration, log *utils.Logger) *Daemon {
	return &Daemon{
		accounts: accounts,
		client:   client,
		clock:    clock,
		log:      log.WithComponent("tokendaemon"),
		interval: interval,
		window:   window,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (d *Daemon) Start(ctx context.Context) {
	go func() {
		defer close(d.doneCh)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.sweep(ctx)
			}
		}
	}()
}

func (d *Daemon) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Daemon) sweep(ctx context.Context) {
	cutoff := d.clock.Now().Add(d.window)
	expiring, err := d.accounts.ListExpiringBefore(ctx, cutoff)
	if err != nil {
		d.log.Error("failed to list expiring accounts", utils.Err(err))
		return
	}
	for _, acct := range expiring {
		d.refreshOne(ctx, acct.ID)
	}
}

func (d *Daemon) refreshOne(ctx context.Context, accountID int64) {
	if err := d.RefreshAccount(ctx, accountID); err != nil {
		d.log.Warn("token refresh failed, marking needs_reauth",
			utils.Int64("account_id", accountID), utils.Err(err))
	}
}

// RefreshAccount refreshes one account's broker auth token immediately,
// outside the regular sweep cadence — the operator surface's manual
// POST /accounts/{id}/reauth trigger (SPEC_FULL.md's OPERATOR SURFACE).
func (d *Daemon) RefreshAccount(ctx context.Context, accountID int64) error {
	newExpiry, err := d.client.RefreshAuth(ctx, broker.RefFor(accountID))
	if err != nil {
		if setErr := d.accounts.SetNeedsReauth(ctx, accountID, true); setErr != nil {
			d.log.Error("failed to mark needs_reauth", utils.Int64("account_id", accountID), utils.Err(setErr))
		}
		return err
	}
	if err := d.accounts.UpdateTokenExpiry(ctx, accountID, time.Unix(newExpiry, 0)); err != nil {
		d.log.Error("failed to persist refreshed token expiry", utils.Int64("account_id", accountID), utils.Err(err))
	}
	return nil
}
