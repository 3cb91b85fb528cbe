package market

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/events"
	"tradeguard/pkg/exchanges/common"
)

type flakySource struct {
	*RandomWalk
	fail bool
}

func (s *flakySource) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	if s.fail {
		return common.Ticker{}, errors.New("timeout")
	}
	return s.RandomWalk.GetTicker(ctx, symbol)
}

func TestRandomWalkTickerMatchesLastCandle(t *testing.T) {
	w := NewRandomWalk(100, 7)
	ctx := context.Background()

	tk, err := w.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	candles, err := w.GetCandles(ctx, "BTCUSDT", "1m", 50)
	require.NoError(t, err)
	require.Len(t, candles, 50)

	assert.Equal(t, tk.Last, candles[len(candles)-1].Close)
	assert.Less(t, tk.Bid, tk.Ask)
	for _, c := range candles {
		assert.GreaterOrEqual(t, c.High, c.Low)
	}

	_, err = w.GetCandles(ctx, "BTCUSDT", "1m", 0)
	assert.Error(t, err)
}

func TestFeedRefreshFillsCache(t *testing.T) {
	cache := NewCache()
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventMarketUpdated, 4)
	defer unsub()

	f := NewFeed(NewRandomWalk(100, 1), cache, bus, []string{"BTCUSDT", "ETHUSDT"}, "1m", 120)
	require.NoError(t, f.Refresh(context.Background()))

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cache.Symbols())
	snap, ok := cache.Get("ETHUSDT")
	require.True(t, ok)
	assert.Len(t, snap.Candles, 120)
	assert.Len(t, cache.Prices(), 2)
	assert.Len(t, ch, 2)
}

func TestFeedKeepsLastSnapshotOnFailure(t *testing.T) {
	cache := NewCache()
	src := &flakySource{RandomWalk: NewRandomWalk(100, 1)}
	f := NewFeed(src, cache, nil, []string{"BTCUSDT"}, "1m", 10)
	require.NoError(t, f.Refresh(context.Background()))
	before, _ := cache.Get("BTCUSDT")

	src.fail = true
	assert.Error(t, f.Refresh(context.Background()))
	after, ok := cache.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, before.Ticker, after.Ticker)
}
