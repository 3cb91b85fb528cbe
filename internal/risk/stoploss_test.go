package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopLossAndTakeProfit(t *testing.T) {
	cfg := DefaultConfig()
	stop, target := Levels(cfg, "LONG", 100)
	assert.InDelta(t, 98, stop, 1e-9)
	assert.InDelta(t, 105, target, 1e-9)

	m := NewStopLossManager()
	m.AddPosition(StopLossPosition{PositionID: "p1", Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 100, StopLoss: stop, TakeProfit: target})

	assert.Nil(t, m.UpdatePrice("BTCUSDT", 99, 0))
	assert.Nil(t, m.UpdatePrice("ETHUSDT", 1, 0))

	d := m.UpdatePrice("BTCUSDT", 97.5, 0)
	require.NotNil(t, d)
	assert.Equal(t, ExitStopLoss, d.Kind)
	assert.Equal(t, "p1", d.PositionID)

	d = m.UpdatePrice("BTCUSDT", 106, 0)
	require.NotNil(t, d)
	assert.Equal(t, ExitTakeProfit, d.Kind)
}

func TestTightenedStopTriggersEarlier(t *testing.T) {
	m := NewStopLossManager()
	m.AddPosition(StopLossPosition{Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 100, StopLoss: 98})

	assert.Nil(t, m.UpdatePrice("BTCUSDT", 98.3, 0))
	d := m.UpdatePrice("BTCUSDT", 98.3, 50)
	require.NotNil(t, d)
	assert.Equal(t, ExitStopLoss, d.Kind)

	pos, ok := m.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 98.0, pos.StopLoss)
}

func TestTrailingStopOnlyRatchetsUp(t *testing.T) {
	m := NewStopLossManager()
	m.AddPosition(StopLossPosition{Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 100, StopLoss: 95, TrailingStop: true, TrailingOffset: 0.02})

	assert.Nil(t, m.UpdatePrice("BTCUSDT", 110, 0))
	pos, _ := m.GetPosition("BTCUSDT")
	assert.InDelta(t, 107.8, pos.StopLoss, 1e-9)

	assert.Nil(t, m.UpdatePrice("BTCUSDT", 108, 0))
	pos, _ = m.GetPosition("BTCUSDT")
	assert.InDelta(t, 107.8, pos.StopLoss, 1e-9)

	assert.NotNil(t, m.UpdatePrice("BTCUSDT", 107, 0))

	m.RemovePosition("BTCUSDT")
	assert.Empty(t, m.GetAllPositions())
}
