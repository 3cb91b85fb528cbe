package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/pkg/exchanges/common"
)

func newVenue(t *testing.T) *Exchange {
	t.Helper()
	ex := New(Config{InitialBalance: 10000, FeeRate: 0.001, Seed: 1}, nil)
	ex.SetTicker(common.Ticker{Symbol: "BTCUSDT", Bid: 49990, Ask: 50010, Last: 50000, Volume24h: 1e9})
	return ex
}

func balanceOf(t *testing.T, ex *Exchange, asset string) common.Balance {
	t.Helper()
	bals, err := ex.GetBalances(context.Background())
	require.NoError(t, err)
	for _, b := range bals {
		if b.Asset == asset {
			return b
		}
	}
	return common.Balance{Asset: asset}
}

func TestMarketBuyThenSell(t *testing.T) {
	ctx := context.Background()
	ex := newVenue(t)

	buy, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.1})
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, buy.Status)
	assert.Equal(t, 50010.0, buy.AvgPrice)
	assert.InDelta(t, 5.001, buy.Fee, 1e-9)
	assert.InDelta(t, 10000-5001-5.001, balanceOf(t, ex, "USDT").Free, 1e-6)
	assert.InDelta(t, 0.1, balanceOf(t, ex, "BTC").Free, 1e-12)

	sell, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeMarket, Qty: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 49990.0, sell.AvgPrice)
	assert.Zero(t, balanceOf(t, ex, "BTC").Total())

	fills, err := ex.GetRecentFills(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, buy.ExchangeOrderID, fills[0].ExchangeOrderID)
}

func TestSellWithoutInventoryRejected(t *testing.T) {
	ex := newVenue(t)
	_, err := ex.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeMarket, Qty: 1})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestLimitOrderLocksAndCancelReleases(t *testing.T) {
	ctx := context.Background()
	ex := newVenue(t)
	ex.SetBalance("BTC", 1)

	res, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeLimit, Qty: 0.4, Price: 60000})
	require.NoError(t, err)
	assert.Equal(t, common.StatusNew, res.Status)

	btc := balanceOf(t, ex, "BTC")
	assert.InDelta(t, 0.6, btc.Free, 1e-12)
	assert.InDelta(t, 0.4, btc.Locked, 1e-12)

	open, err := ex.ListOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 0.4, open[0].Remaining(), 1e-12)

	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", res.ExchangeOrderID))
	btc = balanceOf(t, ex, "BTC")
	assert.InDelta(t, 1.0, btc.Free, 1e-12)
	assert.Zero(t, btc.Locked)

	open, err = ex.ListOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestInjectedFailure(t *testing.T) {
	ex := newVenue(t)
	boom := errors.New("connection reset by peer")
	ex.InjectFailure(func(op string) error {
		if op == "PlaceOrder" {
			return boom
		}
		return nil
	})
	_, err := ex.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.01})
	assert.ErrorIs(t, err, boom)
}

func TestGetOrderUnknown(t *testing.T) {
	ex := newVenue(t)
	_, err := ex.GetOrder(context.Background(), "BTCUSDT", "404")
	assert.ErrorIs(t, err, common.ErrOrderNotFound)
}
