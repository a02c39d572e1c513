// Package broker defines the Broker Client capability set (C6, spec.md
// §4.4): the abstract interface a concrete broker integration must
// satisfy, plus the error taxonomy (spec.md §7) every call surface
// returns instead of ad-hoc errors.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"futuresbridge/internal/models"
)

// Kind classifies a broker error for the executor's propagation policy
// (spec.md §7). These are kinds, not concrete types — callers switch on
// Kind, not on the underlying Go error type.
type Kind string

const (
	KindTransient         Kind = "transient"
	KindRateLimited       Kind = "rate_limited"
	KindAuthExpired       Kind = "auth_expired"
	KindBrokerRejected    Kind = "broker_rejected"
	KindInvariantViolation Kind = "invariant_violation"
	KindQueueFull         Kind = "queue_full"
	KindUnknownSymbol     Kind = "unknown_symbol"
	KindConfigMissing     Kind = "config_missing"
)

// Error wraps a broker failure with its classification. Retriable is true
// only for Transient on idempotent operations; the executor never retries
// entry placement regardless of Retriable (spec.md §4.7).
type Error struct {
	Kind       Kind
	Retriable  bool
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Op + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Op
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, k Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == k
	}
	return false
}

// Side mirrors models.Side for broker order placement.
type Side = models.Side

// TPLeg is one resolved take-profit leg ready to send over the wire:
// price already tick-rounded, qty already an integer contract count.
type TPLeg struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// StopLossOrder is the resolved SL payload: Price is set for fixed stops;
// TriggerDistance/Frequency are set for trailing stops. Per spec.md §4.4
// these are mutually exclusive, and break-even MUST NOT be combined with
// a trailing stop — BracketOptions.BreakEven must be nil when Kind is
// trailing; the engine enforces this before calling PlaceBracketOrder.
type StopLossOrder struct {
	Kind             models.SLKind
	Price            decimal.Decimal
	TriggerDistance  decimal.Decimal
	Frequency        int64 // nanoseconds, avoids importing time here
}

// BreakEvenOptions is included in BracketOptions only when break-even is
// configured. Values are always positive on both sides per spec.md §4.4.
type BreakEvenOptions struct {
	Ticks  decimal.Decimal
	Offset decimal.Decimal
}

type BracketOptions struct {
	BreakEven *BreakEvenOptions
}

// BracketResult carries back every order id the bracket submission spawned
// so the execution engine can populate OrderReference rows.
type BracketResult struct {
	EntryOrderID string
	LegOrderIDs  []string
	SLOrderID    string
}

type OrderFilter struct {
	Symbol string
	Status []models.OrderStatus
}

// Order is a broker-reported working/filled order, used by the engine's
// TP enumeration (spec.md §4.7) and by reconciliation (§4.9).
type Order struct {
	BrokerOrderID string
	Symbol        string
	Side          models.Side
	Kind          models.OrderKind
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Status        models.OrderStatus
}

// Position is a broker-reported open position, the "broker truth" every
// engine decision is evaluated against (spec.md §4.7).
type Position struct {
	Symbol   string
	Side     models.Side
	Qty      decimal.Decimal
	AvgEntry decimal.Decimal
}

// AccountRef identifies which broker account/sub-account a call targets.
type AccountRef struct {
	BrokerAccountID int64
	SubaccountID    string
}

// RefFor builds an AccountRef from a BrokerAccount row. Every BrokerAccount
// row in this schema already represents one broker sub-account (spec.md
// §3); the sub-account identifier the wire protocol expects is its local
// id, stringified, since no separate sub-account column exists.
func RefFor(accountID int64) AccountRef {
	return AccountRef{BrokerAccountID: accountID, SubaccountID: fmt.Sprintf("%d", accountID)}
}

// Client is the Broker Client capability set (C6). Implementations are
// synchronous, per-call-timeout REST; no order placement happens over the
// WebSocket channel (spec.md §4.4's transport policy).
type Client interface {
	PlaceBracketOrder(ctx context.Context, acct AccountRef, side models.Side, qty decimal.Decimal, symbol string, legs []TPLeg, sl *StopLossOrder, opts BracketOptions) (BracketResult, error)
	// PlaceMarket and PlaceLimit take a clientOrderID, passed through to the
	// wire as-is when non-empty. The copy-trade propagator (C15) uses this
	// to tag outgoing copy orders with a CPY_ prefix for loop prevention
	// (spec.md §4.11); every other caller passes "".
	PlaceMarket(ctx context.Context, acct AccountRef, side models.Side, qty decimal.Decimal, symbol string, clientOrderID string) (string, error)
	PlaceLimit(ctx context.Context, acct AccountRef, side models.Side, qty decimal.Decimal, symbol string, price decimal.Decimal, clientOrderID string) (string, error)
	Cancel(ctx context.Context, acct AccountRef, orderID string) error
	ListOrders(ctx context.Context, acct AccountRef, filter OrderFilter) ([]Order, error)
	ListPositions(ctx context.Context, acct AccountRef) ([]Position, error)
	RefreshAuth(ctx context.Context, acct AccountRef) (newExpiryUnix int64, err error)
}
