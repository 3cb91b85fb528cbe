package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/pkg/exchanges/common"
	"tradeguard/pkg/exchanges/paper"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestGuardedExchangeRetriesTransientReads(t *testing.T) {
	ex := paper.New(paper.Config{InitialBalance: 100, Seed: 1}, nil)
	ex.SetTicker(common.Ticker{Symbol: "BTCUSDT", Bid: 99, Ask: 101, Last: 100})

	calls := 0
	ex.InjectFailure(func(op string) error {
		if op != "GetTicker" {
			return nil
		}
		calls++
		if calls < 3 {
			return errors.New("read tcp: connection reset by peer")
		}
		return nil
	})

	reg := NewRegistry(BreakerConfig{Threshold: 5, Window: time.Minute})
	g := NewGuardedExchange(ex, NewExecutor(reg.Get("venue"), fastRetry()), nil)

	tk, err := g.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100.0, tk.Last)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, reg.Get("venue").State().FailureCount)
}

func TestGuardedExchangeOrderNotFoundIsHealthy(t *testing.T) {
	ex := paper.New(paper.Config{InitialBalance: 100, Seed: 1}, nil)
	reg := NewRegistry(BreakerConfig{Threshold: 1, Window: time.Minute})
	g := NewGuardedExchange(ex, NewExecutor(reg.Get("venue"), fastRetry()), NewExecutor(reg.Get("orders"), fastRetry()))

	_, err := g.GetOrder(context.Background(), "BTCUSDT", "missing")
	assert.ErrorIs(t, err, common.ErrOrderNotFound)
	assert.False(t, reg.Get("orders").IsOpen())
}

func TestGuardedExchangeSeparatesDomains(t *testing.T) {
	ex := paper.New(paper.Config{InitialBalance: 100, Seed: 1}, nil)
	ex.SetTicker(common.Ticker{Symbol: "BTCUSDT", Bid: 99, Ask: 101, Last: 100})
	ex.InjectFailure(func(op string) error {
		if op == "PlaceOrder" {
			return errors.New("503 service unavailable")
		}
		return nil
	})

	reg := NewRegistry(BreakerConfig{Threshold: 2, Window: time.Minute})
	g := NewGuardedExchange(ex, NewExecutor(reg.Get("venue"), fastRetry()), NewExecutor(reg.Get("orders"), fastRetry()))

	_, err := g.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, QuoteQty: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, reg.Get("orders").IsOpen())

	_, err = g.GetTicker(context.Background(), "BTCUSDT")
	assert.NoError(t, err)
	assert.True(t, reg.AnyOpen())
}
