package inventory

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/pkg/exchanges/common"
	"tradeguard/pkg/exchanges/paper"
)

const btc = "BTCUSDT"

func newVenue(t *testing.T, usdt, btcFree float64) *paper.Exchange {
	t.Helper()
	ex := paper.New(paper.Config{InitialBalance: usdt, Seed: 1}, nil)
	ex.SetBalance("BTC", btcFree)
	ex.SetBalance("USDC", 50)
	ex.SetTicker(common.Ticker{Symbol: btc, Bid: 50000, Ask: 50000, Last: 50000})
	return ex
}

func hydrated(t *testing.T, usdt, btcFree float64) (*Manager, *paper.Exchange) {
	t.Helper()
	ex := newVenue(t, usdt, btcFree)
	m := NewManager(DefaultConfig())
	require.NoError(t, m.HydrateFromExchange(context.Background(), ex, []string{btc}))
	return m, ex
}

func TestHydrateSumsUSDEquivalentsAndSubtractsOpenSells(t *testing.T) {
	ctx := context.Background()
	ex := newVenue(t, 1000, 1)
	_, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: btc, Side: common.SideSell, Type: common.OrderTypeLimit, Qty: 0.25, Price: 60000})
	require.NoError(t, err)

	m := NewManager(DefaultConfig())
	require.NoError(t, m.HydrateFromExchange(ctx, ex, []string{btc}))

	st := m.State()
	assert.InDelta(t, 1050.0, st.CashUSD, 1e-9)
	// free 0.75 - open sell 0.25; locked 0.25 + open sell 0.25
	assert.InDelta(t, 0.5, st.Available[btc], 1e-12)
	assert.InDelta(t, 0.5, st.Reserved[btc], 1e-12)
	require.Len(t, st.Positions, 1)
	assert.Equal(t, "BTC", st.Positions[0].Asset)
	assert.InDelta(t, 1.0, st.Positions[0].Quantity, 1e-12)
}

func TestCanSellScenario(t *testing.T) {
	m, _ := hydrated(t, 1000, 0.012)
	require.NoError(t, m.Reserve(btc, 0.002, "o-1"))
	require.InDelta(t, 0.01, m.Available(btc), 1e-15)
	require.InDelta(t, 0.002, m.Reserved(btc), 1e-15)

	over := m.CanSell(btc, 0.02)
	assert.False(t, over.Allowed)
	assert.Contains(t, over.Reason, "exceeds available")

	ok := m.CanSell(btc, 0.005)
	assert.True(t, ok.Allowed)

	unknown := m.CanSell("DOGEUSDT", 1)
	assert.False(t, unknown.Allowed)
	assert.Contains(t, unknown.Reason, "no inventory")
}

func TestClampSellQty(t *testing.T) {
	m, _ := hydrated(t, 1000, 0.5)
	assert.InDelta(t, 0.2, m.ClampSellQty(btc, 0.2), 1e-15)
	assert.InDelta(t, 0.5-1e-8, m.ClampSellQty(btc, 3), 1e-15)
	assert.Zero(t, m.ClampSellQty("ETHUSDT", 1))
}

func TestReserveBeyondAvailableFails(t *testing.T) {
	m, _ := hydrated(t, 1000, 0.1)
	err := m.Reserve(btc, 0.2, "o-1")
	assert.ErrorIs(t, err, ErrInsufficientInventory)
	assert.InDelta(t, 0.1, m.Available(btc), 1e-15)
	assert.Zero(t, m.Reserved(btc))

	assert.ErrorIs(t, m.Reserve(btc, 0, "o-2"), ErrInvalidQuantity)
	assert.ErrorIs(t, m.Reserve("ETHUSDT", 1, "o-3"), ErrUnknownSymbol)
}

func TestReserveReleaseRestoresExactly(t *testing.T) {
	m, _ := hydrated(t, 1000, 0.3)
	before := m.State()

	qtys := []float64{0.1, 0.2, 0.3, 0.07, 1e-8}
	for _, q := range qtys {
		require.NoError(t, m.Reserve(btc, q, "o"))
		released := m.ReleaseReservation(btc, q, "o")
		assert.Equal(t, q, released)
		after := m.State()
		assert.Equal(t, before.Available[btc], after.Available[btc], "available after %v", q)
		assert.Equal(t, before.Reserved[btc], after.Reserved[btc], "reserved after %v", q)
	}
	assert.Zero(t, m.ReservedFor("o"))
}

func TestReleaseClampsAtZero(t *testing.T) {
	m, _ := hydrated(t, 1000, 1)
	require.NoError(t, m.Reserve(btc, 0.4, "o-1"))

	released := m.ReleaseReservation(btc, 5, "o-1")
	assert.InDelta(t, 0.4, released, 1e-15)
	assert.Zero(t, m.Reserved(btc))
	assert.InDelta(t, 1.0, m.Available(btc), 1e-15)
}

func TestConfirmBuyAndSellMoveCashExactly(t *testing.T) {
	m, _ := hydrated(t, 10000, 0)
	cash0 := m.Cash()

	buy, err := m.ConfirmFill(FilledOrder{ID: "b-1", Symbol: btc, Side: common.SideBuy, FilledQty: 0.1}, 50000, 5)
	require.NoError(t, err)
	assert.InDelta(t, -5005.0, buy.CashDelta, 1e-9)
	assert.InDelta(t, cash0-5005, m.Cash(), 1e-9)
	assert.InDelta(t, 0.1, m.Available(btc), 1e-15)

	_, err = m.ConfirmFill(FilledOrder{ID: "b-2", Symbol: btc, Side: common.SideBuy, FilledQty: 0.1}, 60000, 6)
	require.NoError(t, err)
	h, ok := m.Holding(btc)
	require.True(t, ok)
	assert.InDelta(t, 55000.0, h.AvgEntryPrice, 1e-6)

	require.NoError(t, m.Reserve(btc, 0.2, "s-1"))
	sell, err := m.ConfirmFill(FilledOrder{ID: "s-1", Symbol: btc, Side: common.SideSell, FilledQty: 0.2}, 57000, 11.4)
	require.NoError(t, err)
	assert.InDelta(t, 11400-11.4, sell.CashDelta, 1e-9)
	assert.InDelta(t, 0.2*2000-11.4, sell.RealizedPnLUSD, 1e-6)
	assert.True(t, sell.PositionClosed)
	_, ok = m.Holding(btc)
	assert.False(t, ok)
	assert.Zero(t, m.ReservedFor("s-1"))
}

func TestConfirmBuyWithholdsBaseCommission(t *testing.T) {
	m, _ := hydrated(t, 10000, 0)
	cash0 := m.Cash()

	// 0.1 filled at 50000; 0.0001 BTC commission worth 5 USDT
	buy, err := m.ConfirmFill(FilledOrder{ID: "b-1", Symbol: btc, Side: common.SideBuy, FilledQty: 0.1, BaseFee: 0.0001}, 50000, 5)
	require.NoError(t, err)
	assert.InDelta(t, -5000.0, buy.CashDelta, 1e-9)
	assert.InDelta(t, cash0-5000, m.Cash(), 1e-9)
	assert.InDelta(t, 0.0999, m.Available(btc), 1e-15)

	h, ok := m.Holding(btc)
	require.True(t, ok)
	assert.InDelta(t, 0.0999, h.Quantity, 1e-15)

	require.NoError(t, m.Reserve(btc, 0.0999, "s-1"))
	_, err = m.ConfirmFill(FilledOrder{ID: "s-1", Symbol: btc, Side: common.SideSell, FilledQty: 0.0999}, 50000, 0)
	require.NoError(t, err)
	assert.Zero(t, m.Available(btc))
}

func TestConfirmBuyRejectsBaseFeeAboveFill(t *testing.T) {
	m, _ := hydrated(t, 10000, 0)
	before := m.State()
	_, err := m.ConfirmFill(FilledOrder{Symbol: btc, Side: common.SideBuy, FilledQty: 0.1, BaseFee: 0.1}, 50000, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Equal(t, before, m.State())
}

func TestConfirmSellBeyondReservedIsOversell(t *testing.T) {
	m, _ := hydrated(t, 1000, 1)
	require.NoError(t, m.Reserve(btc, 0.1, "s-1"))
	before := m.State()

	_, err := m.ConfirmFill(FilledOrder{ID: "s-1", Symbol: btc, Side: common.SideSell, FilledQty: 0.2}, 50000, 0)
	assert.ErrorIs(t, err, ErrOversell)
	assert.Equal(t, before, m.State())
}

func TestConfirmFillRejectsBadInput(t *testing.T) {
	m, _ := hydrated(t, 1000, 1)
	_, err := m.ConfirmFill(FilledOrder{Symbol: btc, Side: common.SideBuy, FilledQty: 0}, 50000, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = m.ConfirmFill(FilledOrder{Symbol: btc, Side: common.SideBuy, FilledQty: 1}, 50000, -1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestResyncOverwritesAndReportsDiffs(t *testing.T) {
	ctx := context.Background()
	m, ex := hydrated(t, 1000, 0)
	_, err := m.ConfirmFill(FilledOrder{ID: "b-1", Symbol: btc, Side: common.SideBuy, FilledQty: 0.1}, 50000, 0)
	require.NoError(t, err)

	// The venue never saw that buy.
	rep, err := m.Resync(ctx, ex, []string{btc})
	require.NoError(t, err)
	assert.NotEmpty(t, rep.Diffs)
	assert.InDelta(t, 5000+0.1*50000, rep.DriftUSD, 1e-6)
	assert.InDelta(t, 1050.0, m.Cash(), 1e-9)
	assert.Zero(t, m.Available(btc))
	assert.Equal(t, rep.DriftUSD, m.LastDriftUSD())

	rep, err = m.Resync(ctx, ex, []string{btc})
	require.NoError(t, err)
	assert.Empty(t, rep.Diffs)
}

func TestResyncKeepsEntryPrice(t *testing.T) {
	ctx := context.Background()
	m, ex := hydrated(t, 10000, 0)
	_, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: btc, Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.1})
	require.NoError(t, err)
	_, err = m.ConfirmFill(FilledOrder{ID: "b", Symbol: btc, Side: common.SideBuy, FilledQty: 0.1}, 50000, 0)
	require.NoError(t, err)

	_, err = m.Resync(ctx, ex, []string{btc})
	require.NoError(t, err)
	h, ok := m.Holding(btc)
	require.True(t, ok)
	assert.InDelta(t, 50000.0, h.AvgEntryPrice, 1e-9)
}

func TestRandomOperationsKeepQuantitiesNonNegative(t *testing.T) {
	m, _ := hydrated(t, 1e6, 5)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		q := rng.Float64() * 2
		switch rng.Intn(4) {
		case 0:
			_ = m.Reserve(btc, q, "o")
		case 1:
			m.ReleaseReservation(btc, q, "o")
		case 2:
			_, _ = m.ConfirmFill(FilledOrder{ID: "b", Symbol: btc, Side: common.SideBuy, FilledQty: q}, 100, 0.1)
		case 3:
			_, _ = m.ConfirmFill(FilledOrder{ID: "o", Symbol: btc, Side: common.SideSell, FilledQty: q}, 100, 0.1)
		}
		st := m.State()
		require.GreaterOrEqual(t, st.Available[btc], 0.0, "step %d", i)
		require.GreaterOrEqual(t, st.Reserved[btc], 0.0, "step %d", i)
	}
}
