package common

import (
	"context"
	"errors"
)

// ErrOrderNotFound is returned when the venue does not know an order id.
var ErrOrderNotFound = errors.New("order not found")

// Exchange abstracts a trading venue.
type Exchange interface {
	GetBalances(ctx context.Context) ([]Balance, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderResult, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetRecentFills(ctx context.Context, symbol string, limit int) ([]Fill, error)
}
