package listeners

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futuresbridge/pkg/utils"
)

// BalanceEvent is the normalized cashBalance update a concrete broker WS
// integration decodes from brokerws.Message, per spec.md §4.12.
type BalanceEvent struct {
	EventID   string
	AccountID int64
	CashBalance decimal.Decimal
	Ts        time.Time
}

// MaxLossBreach is emitted when an account's net realized change for the
// session breaches its configured max_daily_loss.
type MaxLossBreach struct {
	AccountID int64
	NetChange decimal.Decimal
	Limit     decimal.Decimal
}

// dailyBaseline tracks the first cashBalance observed for an account in
// the current session, so every later update can be diffed against it.
type dailyBaseline struct {
	baseline decimal.Decimal
	day      int // day-of-year the baseline was captured, to reset at rollover
}

// MaxLossListener is C10: tracks cashBalance per account from WS account
// events, and signals a breach when today's net realized change crosses
// the account's configured max_daily_loss. Grounded on the teacher's
// bot/risk.go per-account breach-detection shape.
type MaxLossListener struct {
	log *utils.Logger

	mu        sync.Mutex
	baselines map[int64]dailyBaseline

	limits func(accountID int64) (decimal.Decimal, bool)
	onBreach func(ctx context.Context, b MaxLossBreach)

	dedup *dedupSet
}

// NewMaxLossListener builds a MaxLossListener. limits resolves an
// account's configured max_daily_loss (false if unconfigured — no
// breach-checking for that account). HandleBalance calls onBreach
// synchronously, on the per-message goroutine main.go starts for each
// broker message, not on the WS read path (spec.md §4.5).
func NewMaxLossListener(limits func(accountID int64) (decimal.Decimal, bool), onBreach func(ctx context.Context, b MaxLossBreach), log *utils.Logger) *MaxLossListener {
	return &MaxLossListener{
		log:       log.WithComponent("max_loss_listener"),
		baselines: make(map[int64]dailyBaseline),
		limits:    limits,
		onBreach:  onBreach,
		dedup:     newDedupSet(time.Minute),
	}
}

// HandleBalance updates the tracked baseline and checks for a breach. Safe
// to call repeatedly with re-delivered events — idempotent per event id.
func (l *MaxLossListener) HandleBalance(ctx context.Context, ev BalanceEvent) {
	if !l.dedup.Admit(ev.EventID) {
		return
	}
	limit, ok := l.limits(ev.AccountID)
	if !ok || !limit.IsPositive() {
		return
	}

	day := ev.Ts.YearDay()
	l.mu.Lock()
	base, seen := l.baselines[ev.AccountID]
	if !seen || base.day != day {
		base = dailyBaseline{baseline: ev.CashBalance, day: day}
		l.baselines[ev.AccountID] = base
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	netChange := ev.CashBalance.Sub(base.baseline)
	if netChange.IsNegative() && netChange.Abs().GreaterThanOrEqual(limit) {
		l.onBreach(ctx, MaxLossBreach{AccountID: ev.AccountID, NetChange: netChange, Limit: limit})
	}
}
