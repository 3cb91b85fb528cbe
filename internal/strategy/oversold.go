package strategy

import (
	"tradeguard/internal/indicators"
	"tradeguard/pkg/exchanges/common"
)

// OversoldThresholds are the per-oscillator levels at or beyond which a
// reading counts as oversold.
type OversoldThresholds struct {
	StochRSI  float64 `json:"stoch_rsi" yaml:"stoch_rsi"`
	CCI       float64 `json:"cci" yaml:"cci"`
	WilliamsR float64 `json:"williams_r" yaml:"williams_r"`
	RSI       float64 `json:"rsi" yaml:"rsi"`
}

func DefaultOversoldThresholds() OversoldThresholds {
	return OversoldThresholds{StochRSI: 20, CCI: -100, WilliamsR: -80, RSI: 30}
}

// OversoldReadings lists the oscillators currently in oversold territory.
func OversoldReadings(candles []common.Candle, th OversoldThresholds) []Oscillator {
	closes := indicators.Closes(candles)
	if len(closes) < 20 {
		return nil
	}
	var out []Oscillator
	if v := indicators.StochRSI(closes, 14, 14); v >= 0 && v <= th.StochRSI {
		out = append(out, OscStochRSI)
	}
	if v, ok := indicators.CCI(candles, 20); ok && v <= th.CCI {
		out = append(out, OscCCI)
	}
	if _, _, lower := indicators.Bollinger(closes, 20, 2); lower > 0 && closes[len(closes)-1] <= lower {
		out = append(out, OscBollingerLower)
	}
	if v, ok := indicators.WilliamsR(candles, 14); ok && v <= th.WilliamsR {
		out = append(out, OscWilliamsR)
	}
	if len(closes) > 14 {
		if v := indicators.RSI(closes, 14); v <= th.RSI {
			out = append(out, OscRSI)
		}
	}
	return out
}
