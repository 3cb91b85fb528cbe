package strategy

import (
	"fmt"
	"math"

	"tradeguard/internal/indicators"
	"tradeguard/pkg/exchanges/common"
)

// MACross emits BUY on a golden cross and SELL on a death cross of two
// simple moving averages over candle closes.
type MACross struct {
	FastPeriod int
	SlowPeriod int
	// TrendThreshold is the MA gap (fraction of price) above which the market
	// is labelled as trending.
	TrendThreshold float64
	Oversold       OversoldThresholds
}

var _ Source = (*MACross)(nil)

// NewMACross creates a crossover source.
func NewMACross(fast, slow int) *MACross {
	return &MACross{
		FastPeriod:     fast,
		SlowPeriod:     slow,
		TrendThreshold: 0.01,
		Oversold:       DefaultOversoldThresholds(),
	}
}

func (s *MACross) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.FastPeriod, s.SlowPeriod)
}

func (s *MACross) Evaluate(symbol string, candles []common.Candle) Signal {
	closes := indicators.Closes(candles)
	if len(closes) < s.SlowPeriod+1 {
		return Hold("insufficient history")
	}

	prev := closes[:len(closes)-1]
	oldFast, oldSlow := indicators.SMA(prev, s.FastPeriod), indicators.SMA(prev, s.SlowPeriod)
	fast, slow := indicators.SMA(closes, s.FastPeriod), indicators.SMA(closes, s.SlowPeriod)
	price := closes[len(closes)-1]

	gap := math.Abs(fast-slow) / price
	strength := math.Min(gap/s.TrendThreshold, 1)
	regime := RegimeRange
	if gap >= s.TrendThreshold {
		regime = RegimeTrend
	}
	confidence := 0.5 + strength/2

	var sig Signal
	switch {
	case oldFast <= oldSlow && fast > slow:
		sig = Signal{
			Action:     ActionBuy,
			Confidence: confidence,
			Reason:     fmt.Sprintf("%s golden cross: MA%d(%.2f) > MA%d(%.2f)", symbol, s.FastPeriod, fast, s.SlowPeriod, slow),
		}
	case oldFast >= oldSlow && fast < slow:
		sig = Signal{
			Action:     ActionSell,
			Confidence: confidence,
			Reason:     fmt.Sprintf("%s death cross: MA%d(%.2f) < MA%d(%.2f)", symbol, s.FastPeriod, fast, s.SlowPeriod, slow),
		}
	default:
		return Hold("no crossover")
	}

	sig.Regime = regime
	sig.TrendStrength = &strength
	sig.Oversold = OversoldReadings(candles, s.Oversold)
	return sig
}
