package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the engine submits.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	QuoteQty    float64 // market BUY by quote amount; Qty is ignored when set
	Price       float64 // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string // optional client order id
}

// OrderResult is the exchange's view of one order.
type OrderResult struct {
	ExchangeOrderID string      `json:"exchange_order_id"`
	ClientID        string      `json:"client_id"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Status          OrderStatus `json:"status"`
	OrigQty         float64     `json:"orig_qty"`
	ExecutedQty     float64     `json:"executed_qty"`
	AvgPrice        float64     `json:"avg_price"`
	Fee             float64     `json:"fee"`      // quote currency, all commission
	BaseFee         float64     `json:"base_fee"` // part of Fee withheld from the bought asset, base units
}

// Ticker is the top-of-book plus 24h stats for a symbol.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume24h float64   `json:"volume_24h"` // quote currency
	Time      time.Time `json:"time"`
}

// Mid returns the bid/ask midpoint, or 0 when the book is empty.
func (t Ticker) Mid() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return (t.Bid + t.Ask) / 2
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Balance is one asset's free and locked amounts.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total returns free + locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// OpenOrder is a resting order on the venue.
type OpenOrder struct {
	ExchangeOrderID string  `json:"exchange_order_id"`
	Symbol          string  `json:"symbol"`
	Side            Side    `json:"side"`
	Price           float64 `json:"price"`
	OrigQty         float64 `json:"orig_qty"`
	ExecutedQty     float64 `json:"executed_qty"`
}

// Remaining returns the unfilled quantity.
func (o OpenOrder) Remaining() float64 {
	r := o.OrigQty - o.ExecutedQty
	if r < 0 {
		return 0
	}
	return r
}

// Fill represents a single venue execution.
type Fill struct {
	ExchangeOrderID string    `json:"exchange_order_id"`
	TradeID         string    `json:"trade_id"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Qty             float64   `json:"qty"`
	Price           float64   `json:"price"`
	Fee             float64   `json:"fee"` // quote currency
	Time            time.Time `json:"time"`
}
