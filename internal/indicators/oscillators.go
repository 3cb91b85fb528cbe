package indicators

import (
	"math"

	"tradeguard/pkg/exchanges/common"
)

// StdDev is the population standard deviation of the last period values.
func StdDev(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	mean := SMA(values, period)
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		d := values[i] - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(period))
}

// Bollinger returns the middle, upper and lower bands.
func Bollinger(values []float64, period int, k float64) (mid, upper, lower float64) {
	mid = SMA(values, period)
	if mid == 0 {
		return 0, 0, 0
	}
	sd := StdDev(values, period)
	return mid, mid + k*sd, mid - k*sd
}

// StochRSI returns the stochastic of RSI over the last period RSI readings,
// scaled 0..100. It returns -1 when there is not enough history.
func StochRSI(values []float64, rsiPeriod, period int) float64 {
	if len(values) < rsiPeriod+period {
		return -1
	}
	rsis := make([]float64, 0, period)
	for i := len(values) - period; i < len(values); i++ {
		rsis = append(rsis, RSI(values[:i+1], rsiPeriod))
	}
	lo, hi := rsis[0], rsis[0]
	for _, r := range rsis {
		lo = math.Min(lo, r)
		hi = math.Max(hi, r)
	}
	if hi == lo {
		return 50
	}
	return (rsis[len(rsis)-1] - lo) / (hi - lo) * 100
}

// CCI is the Commodity Channel Index over period candles. ok is false when
// there is not enough history.
func CCI(candles []common.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}
	tp := make([]float64, len(candles))
	for i, c := range candles {
		tp[i] = (c.High + c.Low + c.Close) / 3
	}
	mean := SMA(tp, period)
	dev := 0.0
	for i := len(tp) - period; i < len(tp); i++ {
		dev += math.Abs(tp[i] - mean)
	}
	dev /= float64(period)
	if dev == 0 {
		return 0, true
	}
	return (tp[len(tp)-1] - mean) / (0.015 * dev), true
}

// WilliamsR returns Williams %R (-100..0). ok is false when there is not
// enough history.
func WilliamsR(candles []common.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, c := range candles[len(candles)-period:] {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	if hi == lo {
		return -50, true
	}
	return (hi - candles[len(candles)-1].Close) / (hi - lo) * -100, true
}
