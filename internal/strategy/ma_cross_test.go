package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/pkg/exchanges/common"
)

func candlesFrom(closes []float64) []common.Candle {
	out := make([]common.Candle, len(closes))
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = common.Candle{Time: t0.Add(time.Duration(i) * 15 * time.Minute), Open: c, High: c + 0.5, Low: c - 0.5, Close: c}
	}
	return out
}

func TestMACrossGoldenCross(t *testing.T) {
	closes := make([]float64, 0, 12)
	for i := 0; i < 11; i++ {
		closes = append(closes, 100-float64(i)*0.1)
	}
	closes = append(closes, 110)

	sig := NewMACross(3, 10).Evaluate("BTCUSDT", candlesFrom(closes))
	require.Equal(t, ActionBuy, sig.Action)
	assert.Contains(t, sig.Reason, "golden cross")
	assert.NotNil(t, sig.TrendStrength)
	assert.Greater(t, sig.Confidence, 0.5)
	assert.LessOrEqual(t, sig.Confidence, 1.0)
}

func TestMACrossDeathCross(t *testing.T) {
	closes := make([]float64, 0, 12)
	for i := 0; i < 11; i++ {
		closes = append(closes, 100+float64(i)*0.1)
	}
	closes = append(closes, 90)

	sig := NewMACross(3, 10).Evaluate("BTCUSDT", candlesFrom(closes))
	assert.Equal(t, ActionSell, sig.Action)
	assert.Contains(t, sig.Reason, "death cross")
}

func TestMACrossHoldsWithoutHistory(t *testing.T) {
	sig := NewMACross(3, 10).Evaluate("BTCUSDT", candlesFrom([]float64{1, 2, 3}))
	assert.Equal(t, ActionHold, sig.Action)
}

func TestOversoldReadingsOnSelloff(t *testing.T) {
	closes := make([]float64, 0, 40)
	for i := 0; i < 40; i++ {
		closes = append(closes, 200-float64(i)*2)
	}
	got := OversoldReadings(candlesFrom(closes), DefaultOversoldThresholds())
	assert.GreaterOrEqual(t, len(got), 2)
	assert.Contains(t, got, OscRSI)
}
