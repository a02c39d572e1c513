// Package refbroker is the one reference BrokerClient implementation
// spec.md §2/C6 calls for ("interface + one reference implementation
// sketch"). It talks REST/JSON to a generic bracket-order capable
// futures broker; wire field names are illustrative, not a specific
// broker's real contract. The HTTP client construction (timeouts,
// connection pooling, TLS floor) is adapted from the teacher's
// exchange.HTTPClient.
package refbroker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"futuresbridge/internal/broker"
	"futuresbridge/internal/models"
	"futuresbridge/pkg/ratelimit"
)

var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ClientConfig mirrors the teacher's HTTPClientConfig shape, tuned for a
// broker REST API rather than a crypto exchange.
type ClientConfig struct {
	BaseURL             string
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	TotalTimeout        time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
}

func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:             baseURL,
		ConnectTimeout:      5 * time.Second,
		ReadTimeout:         10 * time.Second,
		TotalTimeout:        15 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
}

// Broker is the reference broker.Client implementation.
type Broker struct {
	cfg        ClientConfig
	httpClient *http.Client
	authHeader func(acct broker.AccountRef) (string, error)
	limiter    *ratelimit.MultiLimiter
	limitRate  float64
	limitBurst float64
}

// New builds a Broker. authHeader resolves the per-account bearer token
// from decrypted auth material; refbroker never touches ciphertext
// itself (pkg/crypto is the only place decryption happens).
//
// limiter is shared across every Broker call this process makes; calls
// are throttled per AccountRef.SubaccountID, which for REST calls is the
// account's own id, so each account gets its own bucket. Accounts that
// share one token_key do not share a bucket. rate/burst come from
// config.BrokerConfig.RateLimitGuard, set below the broker's posted
// ceiling on purpose.
func New(cfg ClientConfig, authHeader func(broker.AccountRef) (string, error), limiter *ratelimit.MultiLimiter, rate, burst float64) *Broker {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ForceAttemptHTTP2:     true,
	}
	return &Broker{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport, Timeout: cfg.TotalTimeout},
		authHeader: authHeader,
		limiter:    limiter,
		limitRate:  rate,
		limitBurst: burst,
	}
}

type apiError struct {
	Message string `json:"message"`
}

// limiterFor returns the token-bucket keyed by acct.SubaccountID, creating
// one lazily on first use. Two goroutines racing on the same never-seen key
// may each install a fresh bucket; the loser's tokens are discarded,
// which only costs one call's worth of throttle precision.
func (b *Broker) limiterFor(acct broker.AccountRef) *ratelimit.RateLimiter {
	if b.limiter == nil {
		return nil
	}
	key := acct.SubaccountID
	if l := b.limiter.Get(key); l != nil {
		return l
	}
	b.limiter.Add(key, b.limitRate, b.limitBurst)
	return b.limiter.Get(key)
}

// do issues one REST call and classifies the result per spec.md §7.
func (b *Broker) do(ctx context.Context, op string, acct broker.AccountRef, method, path string, body interface{}) ([]byte, error) {
	if l := b.limiterFor(acct); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, &broker.Error{Kind: broker.KindTransient, Retriable: true, Op: op, Err: err}
		}
	}
	var reader io.Reader
	if body != nil {
		buf, err := fastJSON.Marshal(body)
		if err != nil {
			return nil, &broker.Error{Kind: broker.KindBrokerRejected, Op: op, Err: err}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindBrokerRejected, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := b.authHeader(acct)
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindAuthExpired, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindTransient, Retriable: true, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &broker.Error{Kind: broker.KindRateLimited, Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &broker.Error{Kind: broker.KindAuthExpired, Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	case resp.StatusCode >= 500:
		return nil, &broker.Error{Kind: broker.KindTransient, Retriable: true, Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	case resp.StatusCode >= 400:
		var ae apiError
		_ = fastJSON.Unmarshal(respBody, &ae)
		return nil, &broker.Error{Kind: broker.KindBrokerRejected, Op: op, StatusCode: resp.StatusCode, Body: string(respBody), Err: fmt.Errorf("%s", ae.Message)}
	}
	return respBody, nil
}

type bracketLegWire struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type bracketStopWire struct {
	Kind            string          `json:"kind"`
	Price           decimal.Decimal `json:"price,omitempty"`
	TriggerDistance decimal.Decimal `json:"triggerDistance,omitempty"`
}

type breakEvenWire struct {
	Ticks  decimal.Decimal `json:"ticks"`
	Offset decimal.Decimal `json:"offset"`
}

type bracketRequest struct {
	Subaccount string           `json:"subaccount"`
	Side       models.Side      `json:"side"`
	Qty        decimal.Decimal  `json:"qty"`
	Symbol     string           `json:"symbol"`
	Legs       []bracketLegWire `json:"legs"`
	Stop       *bracketStopWire `json:"stop,omitempty"`
	BreakEven  *breakEvenWire   `json:"breakEven,omitempty"`
}

type bracketResponse struct {
	EntryOrderID string   `json:"entryOrderId"`
	LegOrderIDs  []string `json:"legOrderIds"`
	SLOrderID    string   `json:"slOrderId"`
}

func (b *Broker) PlaceBracketOrder(ctx context.Context, acct broker.AccountRef, side models.Side, qty decimal.Decimal, symbol string, legs []broker.TPLeg, sl *broker.StopLossOrder, opts broker.BracketOptions) (broker.BracketResult, error) {
	if opts.BreakEven != nil && sl != nil && sl.Kind == models.SLTrailing {
		return broker.BracketResult{}, &broker.Error{Kind: broker.KindBrokerRejected, Op: "PlaceBracketOrder", Err: fmt.Errorf("break-even cannot be combined with a trailing stop")}
	}
	req := bracketRequest{Subaccount: acct.SubaccountID, Side: side, Qty: qty, Symbol: symbol}
	for _, l := range legs {
		req.Legs = append(req.Legs, bracketLegWire{Price: l.Price, Qty: l.Qty})
	}
	if sl != nil {
		sw := &bracketStopWire{Kind: string(sl.Kind)}
		if sl.Kind == models.SLTrailing {
			sw.TriggerDistance = sl.TriggerDistance
		} else {
			sw.Price = sl.Price
		}
		req.Stop = sw
	}
	if opts.BreakEven != nil {
		req.BreakEven = &breakEvenWire{Ticks: opts.BreakEven.Ticks, Offset: opts.BreakEven.Offset}
	}

	raw, err := b.do(ctx, "PlaceBracketOrder", acct, http.MethodPost, "/v1/orders/bracket", req)
	if err != nil {
		return broker.BracketResult{}, err
	}
	var resp bracketResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return broker.BracketResult{}, &broker.Error{Kind: broker.KindBrokerRejected, Op: "PlaceBracketOrder", Err: err}
	}
	return broker.BracketResult{EntryOrderID: resp.EntryOrderID, LegOrderIDs: resp.LegOrderIDs, SLOrderID: resp.SLOrderID}, nil
}

type marketRequest struct {
	Subaccount    string          `json:"subaccount"`
	Side          models.Side     `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Symbol        string          `json:"symbol"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
}

type limitRequest struct {
	marketRequest
	Price decimal.Decimal `json:"price"`
}

type orderIDResponse struct {
	OrderID string `json:"orderId"`
}

func (b *Broker) PlaceMarket(ctx context.Context, acct broker.AccountRef, side models.Side, qty decimal.Decimal, symbol string, clientOrderID string) (string, error) {
	raw, err := b.do(ctx, "PlaceMarket", acct, http.MethodPost, "/v1/orders/market", marketRequest{Subaccount: acct.SubaccountID, Side: side, Qty: qty, Symbol: symbol, ClientOrderID: clientOrderID})
	if err != nil {
		return "", err
	}
	var resp orderIDResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &broker.Error{Kind: broker.KindBrokerRejected, Op: "PlaceMarket", Err: err}
	}
	return resp.OrderID, nil
}

func (b *Broker) PlaceLimit(ctx context.Context, acct broker.AccountRef, side models.Side, qty decimal.Decimal, symbol string, price decimal.Decimal, clientOrderID string) (string, error) {
	raw, err := b.do(ctx, "PlaceLimit", acct, http.MethodPost, "/v1/orders/limit", limitRequest{
		marketRequest: marketRequest{Subaccount: acct.SubaccountID, Side: side, Qty: qty, Symbol: symbol, ClientOrderID: clientOrderID},
		Price:         price,
	})
	if err != nil {
		return "", err
	}
	var resp orderIDResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &broker.Error{Kind: broker.KindBrokerRejected, Op: "PlaceLimit", Err: err}
	}
	return resp.OrderID, nil
}

func (b *Broker) Cancel(ctx context.Context, acct broker.AccountRef, orderID string) error {
	_, err := b.do(ctx, "Cancel", acct, http.MethodDelete, "/v1/orders/"+orderID, nil)
	return err
}

type orderWire struct {
	BrokerOrderID string          `json:"orderId"`
	Symbol        string          `json:"symbol"`
	Side          models.Side     `json:"side"`
	Kind          models.OrderKind `json:"kind"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Status        models.OrderStatus `json:"status"`
}

func (b *Broker) ListOrders(ctx context.Context, acct broker.AccountRef, filter broker.OrderFilter) ([]broker.Order, error) {
	path := fmt.Sprintf("/v1/orders?subaccount=%s&symbol=%s", acct.SubaccountID, filter.Symbol)
	raw, err := b.do(ctx, "ListOrders", acct, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var wire []orderWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &broker.Error{Kind: broker.KindBrokerRejected, Op: "ListOrders", Err: err}
	}
	statusOK := func(s models.OrderStatus) bool {
		if len(filter.Status) == 0 {
			return true
		}
		for _, want := range filter.Status {
			if want == s {
				return true
			}
		}
		return false
	}
	out := make([]broker.Order, 0, len(wire))
	for _, w := range wire {
		if !statusOK(w.Status) {
			continue
		}
		out = append(out, broker.Order{BrokerOrderID: w.BrokerOrderID, Symbol: w.Symbol, Side: w.Side, Kind: w.Kind, Qty: w.Qty, Price: w.Price, Status: w.Status})
	}
	return out, nil
}

type positionWire struct {
	Symbol   string          `json:"symbol"`
	Side     models.Side     `json:"side"`
	Qty      decimal.Decimal `json:"qty"`
	AvgEntry decimal.Decimal `json:"avgEntry"`
}

func (b *Broker) ListPositions(ctx context.Context, acct broker.AccountRef) ([]broker.Position, error) {
	path := fmt.Sprintf("/v1/positions?subaccount=%s", acct.SubaccountID)
	raw, err := b.do(ctx, "ListPositions", acct, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var wire []positionWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &broker.Error{Kind: broker.KindBrokerRejected, Op: "ListPositions", Err: err}
	}
	out := make([]broker.Position, 0, len(wire))
	for _, w := range wire {
		if w.Qty.IsZero() {
			continue
		}
		out = append(out, broker.Position{Symbol: w.Symbol, Side: w.Side, Qty: w.Qty, AvgEntry: w.AvgEntry})
	}
	return out, nil
}

type refreshResponse struct {
	ExpiresAt int64 `json:"expiresAt"`
}

func (b *Broker) RefreshAuth(ctx context.Context, acct broker.AccountRef) (int64, error) {
	raw, err := b.do(ctx, "RefreshAuth", acct, http.MethodPost, "/v1/auth/refresh", nil)
	if err != nil {
		return 0, err
	}
	var resp refreshResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, &broker.Error{Kind: broker.KindBrokerRejected, Op: "RefreshAuth", Err: err}
	}
	return resp.ExpiresAt, nil
}

// Close releases idle connections, mirroring the teacher's graceful
// shutdown hook for the HTTP transport.
func (b *Broker) Close() {
	if t, ok := b.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

var _ broker.Client = (*Broker)(nil)
