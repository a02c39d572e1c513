package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

type Action string

const (
	ActionBuy     Action = "buy"
	ActionSell    Action = "sell"
	ActionClose   Action = "close"
	ActionTPHit   Action = "tp_hit"
	ActionSLHit   Action = "sl_hit"

	// ActionTrim is never produced by NormalizeAction — a webhook alert has
	// no partial-reduce vocabulary. The copy-trade propagator (C15) is the
	// only source, built directly from a leader's trim delta.
	ActionTrim Action = "trim"
)

// NormalizeAction maps every spec.md §6 action alias to a canonical Action.
func NormalizeAction(raw string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long":
		return ActionBuy, true
	case "sell", "short":
		return ActionSell, true
	case "close", "flatten", "exit":
		return ActionClose, true
	case "tp_hit":
		return ActionTPHit, true
	case "sl_hit":
		return ActionSLHit, true
	default:
		return "", false
	}
}

func (a Action) IsEntry() bool {
	return a == ActionBuy || a == ActionSell
}

// ParsedSignal is the normalized view of a webhook payload.
type ParsedSignal struct {
	Action      Action
	Symbol      string
	Price       *float64
	Qty         *float64
	QtyPresent  bool
}

// SignalTrackStatus tracks whether a recorded signal still represents the
// strategy's most recent entry on its (symbol, side), per the signal
// tracking contract of spec.md §4.8 step 9.
type SignalTrackStatus string

const (
	SignalTrackOpen   SignalTrackStatus = "open"
	SignalTrackClosed SignalTrackStatus = "closed"
)

// Signal is C3 (spec.md §3): an append-only record of a webhook delivery.
// StrategyID/Side/TrackStatus exist only to support the signal tracking
// contract (§4.8 step 9); the append-only log itself never mutates a row
// in place except to flip TrackStatus from open to closed.
type Signal struct {
	ID           int64
	StrategyID   int64
	WebhookToken string
	ReceivedTs   time.Time
	RawPayload   []byte
	Parsed       ParsedSignal
	DedupKey     string
	Side         Side
	TrackStatus  SignalTrackStatus
}

// DedupKey implements spec.md §4.2: hash of (token, action, symbol,
// round(received_ts, 1s)).
func DedupKey(token string, action Action, symbol string, receivedTs time.Time) string {
	bucket := receivedTs.Round(time.Second).Unix()
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", token, action, strings.ToUpper(symbol), bucket)
	return hex.EncodeToString(h.Sum(nil))
}
