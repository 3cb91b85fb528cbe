package resilience

import (
	"context"
	"errors"

	"tradeguard/pkg/exchanges/common"
)

// GuardedExchange routes every venue call through an Executor. Reads and
// order operations use separate executors so a degraded order path does
// not stop market data, and vice versa.
type GuardedExchange struct {
	inner  common.Exchange
	reads  *Executor
	orders *Executor
}

var _ common.Exchange = (*GuardedExchange)(nil)

// NewGuardedExchange wraps inner. orders may equal reads.
func NewGuardedExchange(inner common.Exchange, reads, orders *Executor) *GuardedExchange {
	if orders == nil {
		orders = reads
	}
	return &GuardedExchange{inner: inner, reads: reads, orders: orders}
}

// Inner returns the wrapped venue.
func (g *GuardedExchange) Inner() common.Exchange { return g.inner }

func (g *GuardedExchange) GetBalances(ctx context.Context) ([]common.Balance, error) {
	return Do(ctx, g.reads, "venue.balances", g.inner.GetBalances)
}

func (g *GuardedExchange) ListOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	return Do(ctx, g.reads, "venue.open_orders", func(ctx context.Context) ([]common.OpenOrder, error) {
		return g.inner.ListOpenOrders(ctx, symbol)
	})
}

func (g *GuardedExchange) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	return Do(ctx, g.reads, "venue.ticker", func(ctx context.Context) (common.Ticker, error) {
		return g.inner.GetTicker(ctx, symbol)
	})
}

func (g *GuardedExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	return Do(ctx, g.reads, "venue.candles", func(ctx context.Context) ([]common.Candle, error) {
		return g.inner.GetCandles(ctx, symbol, interval, limit)
	})
}

func (g *GuardedExchange) GetRecentFills(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
	return Do(ctx, g.reads, "venue.fills", func(ctx context.Context) ([]common.Fill, error) {
		return g.inner.GetRecentFills(ctx, symbol, limit)
	})
}

// PlaceOrder retries with the same client id so a venue that already
// accepted the first attempt rejects the duplicate.
func (g *GuardedExchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return Do(ctx, g.orders, "venue.place_order", func(ctx context.Context) (common.OrderResult, error) {
		return g.inner.PlaceOrder(ctx, req)
	})
}

func (g *GuardedExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return g.orders.Execute(ctx, "venue.cancel_order", func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, symbol, exchangeOrderID)
	})
}

// GetOrder treats a definitive "not found" as a healthy answer rather than
// a venue failure.
func (g *GuardedExchange) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	var notFound error
	res, err := Do(ctx, g.orders, "venue.get_order", func(ctx context.Context) (common.OrderResult, error) {
		r, err := g.inner.GetOrder(ctx, symbol, exchangeOrderID)
		if errors.Is(err, common.ErrOrderNotFound) {
			notFound = err
			return r, nil
		}
		return r, err
	})
	if err != nil {
		return res, err
	}
	return res, notFound
}
