package models

// OrderKind distinguishes the broker order types the engine tracks.
type OrderKind string

const (
	OrderEntryMarket  OrderKind = "entry_market"
	OrderEntryBracket OrderKind = "entry_bracket"
	OrderTPLimit      OrderKind = "tp_limit"
	OrderSLStop       OrderKind = "sl_stop"
	OrderOCOPartner   OrderKind = "oco_partner"
)

type OrderStatus string

const (
	OrderAccepted  OrderStatus = "accepted"
	OrderWorking   OrderStatus = "working"
	OrderFilled    OrderStatus = "filled"
	OrderCanceled  OrderStatus = "canceled"
)

// OrderReference is a local, non-authoritative cache of broker order state
// (spec.md §3). The broker is the source of truth; this cache MUST NOT be
// used for cross-account TP lookup — different broker accounts may reuse
// the same broker_order_id space.
type OrderReference struct {
	ID            int64
	BrokerOrderID string
	BrokerAccountID int64
	Kind          OrderKind
	PositionID    int64
	TradeID       *int64
	Status        OrderStatus
}
