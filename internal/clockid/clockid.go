// Package clockid provides the clock and ID-generation primitives (C1):
// wall time behind an interface so business logic never calls time.Now
// directly, plus request/order-tag ID generation and jittered backoff
// delays shared by the WS manager and the retry helpers.
package clockid

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Clock is the narrow time interface the rest of the tree depends on
// instead of calling time.Now()/time.After() directly, so tests can
// substitute a fake one.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time  { return time.After(d) }
func (realClock) Sleep(d time.Duration)                   { time.Sleep(d) }

// Real is the production Clock.
var Real Clock = realClock{}

// NewRequestID returns a fresh request/idempotency-key identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// NewOrderTag returns a clOrdId-style tag for an outgoing copy-trade
// order, prefixed per spec.md §4.11 so the leader listener's loop
// prevention can recognize it on the rare broker paths that surface it.
func NewOrderTag(prefix string) string {
	return prefix + uuid.NewString()
}

// Jitter returns d plus a uniform random fraction of d in [0, frac].
// Used by reconnect backoff (§4.5) and retry backoff (pkg/retry).
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	extra := time.Duration(rand.Float64() * frac * float64(d))
	return d + extra
}

// JitterRange returns a uniform random duration in [min, min+spread).
// Used for the WS manager's dead-subscription reconnect (30s + 0-15s) and
// initial-connect stagger (0-30s).
func JitterRange(min, spread time.Duration) time.Duration {
	if spread <= 0 {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(spread)))
}
