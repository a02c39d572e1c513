// Decoding a raw brokerws.Message into the normalized event shapes
// internal/listeners consumes is broker-wire-specific (spec.md §1 scopes
// the exact wire format out); this file is the illustrative sketch that
// parallels refbroker.go's REST wire structs. A concrete deployment
// replaces the wire shapes below with its broker's real ones — the
// contract a caller needs is just "turn (type, symbol, payload bytes)
// into one of these", same shape the teacher's websocket/messages.go
// classified exchange ticks into.
package refbroker

import (
	"github.com/shopspring/decimal"

	"futuresbridge/internal/brokerws"
	"futuresbridge/internal/models"
)

// RawPosition/RawFill/RawBalance are the wire shapes decoded from
// brokerws.Message.Payload. They carry the broker's own account/
// subaccount identifier, not our internal AccountID/StrategyID — the
// caller resolves those via whatever trader/account cache it keeps
// (main.go's accountForSub / strategyForAccount maps), the same way the teacher resolved an
// exchange's raw symbol back to its internal PairID.
type RawPosition struct {
	EventID      string          `json:"event_id"`
	SubaccountID string          `json:"subaccount_id"`
	Symbol       string          `json:"symbol"`
	SymbolRoot   string          `json:"symbol_root"`
	Side         string          `json:"side"`
	NetQty       decimal.Decimal `json:"net_qty"`
	AvgEntry     decimal.Decimal `json:"avg_entry"`
	Price        decimal.Decimal `json:"price"`
}

type RawFill struct {
	EventID      string          `json:"event_id"`
	SubaccountID string          `json:"subaccount_id"`
	PositionID   int64           `json:"position_id"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Qty          decimal.Decimal `json:"qty"`
	Side         string          `json:"side"`
	MatchedTP    bool            `json:"matched_tp"`
	MatchedSL    bool            `json:"matched_sl"`
	OrderID      string          `json:"order_id"`
	ClientOrderID string         `json:"client_order_id"`
}

type RawBalance struct {
	EventID      string          `json:"event_id"`
	SubaccountID string          `json:"subaccount_id"`
	CashBalance  decimal.Decimal `json:"cash_balance"`
}

type RawOrder struct {
	EventID       string `json:"event_id"`
	SubaccountID  string `json:"subaccount_id"`
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
}

// SideFromWire maps a broker's side string onto models.Side.
func SideFromWire(s string) models.Side {
	if s == "short" || s == "sell" {
		return models.SideShort
	}
	return models.SideLong
}

// DecodeRawPosition/DecodeRawFill/DecodeRawBalance unmarshal msg.Payload
// by msg.Type; callers dispatch on brokerws.Message.Type before calling
// the matching one.
func DecodeRawPosition(msg brokerws.Message) (RawPosition, error) {
	var raw RawPosition
	err := fastJSON.Unmarshal(msg.Payload, &raw)
	return raw, err
}

func DecodeRawFill(msg brokerws.Message) (RawFill, error) {
	var raw RawFill
	err := fastJSON.Unmarshal(msg.Payload, &raw)
	return raw, err
}

func DecodeRawBalance(msg brokerws.Message) (RawBalance, error) {
	var raw RawBalance
	err := fastJSON.Unmarshal(msg.Payload, &raw)
	return raw, err
}

func DecodeRawOrder(msg brokerws.Message) (RawOrder, error) {
	var raw RawOrder
	err := fastJSON.Unmarshal(msg.Payload, &raw)
	return raw, err
}

// OrderStatusFromWire maps a broker's order-status string onto the
// canonical models.OrderStatus the Position Listener (C8) tracks.
func OrderStatusFromWire(s string) models.OrderStatus {
	switch s {
	case "working", "Working":
		return models.OrderWorking
	case "filled", "Filled":
		return models.OrderFilled
	case "canceled", "cancelled", "Canceled", "Cancelled":
		return models.OrderCanceled
	default:
		return models.OrderAccepted
	}
}
