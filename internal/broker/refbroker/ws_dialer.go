// WSDialer is the reference brokerws.Dialer sketch (spec.md §2/C6/C7): it
// resolves the broker's WebSocket endpoint for a token_key, authorizes the
// handshake, and builds the sync-request envelope. Wire field names are
// illustrative, the same caveat refbroker.go carries for REST.
package refbroker

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"futuresbridge/internal/broker"
)

// WSDialerConfig tunes the reference WebSocket dialer.
type WSDialerConfig struct {
	BaseURL        string // e.g. "wss://stream.broker.example/v1"
	HandshakeTimeout time.Duration
}

func DefaultWSDialerConfig(baseURL string) WSDialerConfig {
	return WSDialerConfig{BaseURL: baseURL, HandshakeTimeout: 10 * time.Second}
}

// WSDialer implements brokerws.Dialer against the same reference broker
// REST surface Broker talks to: it takes the same authHeader resolver as
// Broker and uses it both for the handshake's bearer token and for
// RefreshToken.
type WSDialer struct {
	cfg        WSDialerConfig
	authHeader func(broker.AccountRef) (string, error)
	dialer     *websocket.Dialer
	marketHours func(time.Time) bool
}

// NewWSDialer builds a WSDialer. marketHours gates dead-subscription
// detection (spec.md §4.5); pass nil to use the default Mon-Fri
// 18:00-17:00 ET-ish futures session approximation (DefaultMarketHours).
func NewWSDialer(cfg WSDialerConfig, authHeader func(broker.AccountRef) (string, error), marketHours func(time.Time) bool) *WSDialer {
	if marketHours == nil {
		marketHours = DefaultMarketHours
	}
	return &WSDialer{
		cfg:        cfg,
		authHeader: authHeader,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		marketHours: marketHours,
	}
}

// Dial connects to the per-token_key stream and authorizes with the
// account's bearer token. tokenKey doubles as the subaccount-agnostic
// auth identity; SharedConnection issues the sync-request covering the
// listener union separately, right after Dial returns.
func (d *WSDialer) Dial(ctx context.Context, tokenKey string, live bool) (*websocket.Conn, error) {
	endpoint := d.cfg.BaseURL + "/stream"
	if !live {
		endpoint = d.cfg.BaseURL + "/stream?env=demo"
	}
	token, err := d.authHeader(broker.AccountRef{SubaccountID: tokenKey})
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindAuthExpired, Op: "ws_dial", Err: err}
	}
	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + token}
	conn, _, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindTransient, Retriable: true, Op: "ws_dial", Err: err}
	}
	return conn, nil
}

// BuildSyncRequest builds the sync-request envelope for the union of
// subaccounts a SharedConnection's listeners cover, with
// splitResponses=true per spec.md §4.5.
func (d *WSDialer) BuildSyncRequest(subaccountIDs []string) ([]byte, error) {
	ids := make([]byte, 0, 64)
	ids = append(ids, '[')
	for i, id := range subaccountIDs {
		if i > 0 {
			ids = append(ids, ',')
		}
		ids = append(ids, '"')
		ids = append(ids, []byte(url.QueryEscape(id))...)
		ids = append(ids, '"')
	}
	ids = append(ids, ']')
	return []byte(fmt.Sprintf(`{"type":"sync","subaccounts":%s,"splitResponses":true}`, ids)), nil
}

// RefreshToken refreshes the broker auth token ahead of the 85-minute
// connection rotation (spec.md §4.5). The reference dialer delegates to
// the same authHeader resolver used for Dial — concrete deployments wire
// this to the decrypted-refresh-token flow (pkg/crypto + AccountRepository)
// the token refresh daemon (C14) also uses.
func (d *WSDialer) RefreshToken(ctx context.Context, tokenKey string) error {
	_, err := d.authHeader(broker.AccountRef{SubaccountID: tokenKey})
	return err
}

// IsMarketHours reports whether now falls inside the market-hours function
// the dialer was built with.
func (d *WSDialer) IsMarketHours(now time.Time) bool {
	return d.marketHours(now)
}

// DefaultMarketHours approximates CME/CBOT/COMEX/NYMEX Globex hours:
// open Sunday 18:00 ET through Friday 17:00 ET, with a daily
// maintenance break 17:00-18:00 ET. Times are treated as UTC here since
// the reference sketch has no timezone database dependency; a concrete
// deployment should pass its own market-calendar-aware function instead.
func DefaultMarketHours(t time.Time) bool {
	wd := t.Weekday()
	hour := t.Hour()
	switch wd {
	case time.Saturday:
		return false
	case time.Sunday:
		return hour >= 18
	case time.Friday:
		return hour < 17
	default:
		return hour != 17
	}
}
