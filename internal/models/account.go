package models

import "time"

type BrokerKind string

// BrokerAccount holds the broker auth material needed to coalesce a
// WebSocket connection and place orders. AuthMaterialEncrypted is the
// ciphertext produced by pkg/crypto; it is never logged or returned over
// the operator surface.
type BrokerAccount struct {
	ID                    int64
	Broker                BrokerKind
	AuthMaterialEncrypted []byte
	TokenExpiry           time.Time
	Live                  bool
	TokenKey              string
	NeedsReauth           bool
}

func (a *BrokerAccount) ExpiresWithin(d time.Duration, now time.Time) bool {
	return a.TokenExpiry.Sub(now) < d
}
