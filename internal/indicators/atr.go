package indicators

import (
	"math"
	"sort"

	"tradeguard/pkg/exchanges/common"
)

// TrueRange returns the true range of c given the previous close.
func TrueRange(c common.Candle, prevClose float64) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
}

// ATRSeries returns Wilder-smoothed ATR values; element i is the ATR ending
// at candle period+i. It is empty when fewer than period+1 candles exist.
func ATRSeries(candles []common.Candle, period int) []float64 {
	if period <= 0 || len(candles) < period+1 {
		return nil
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += TrueRange(candles[i], candles[i-1].Close)
	}
	atr := sum / float64(period)
	out := make([]float64, 0, len(candles)-period)
	out = append(out, atr)
	for i := period + 1; i < len(candles); i++ {
		tr := TrueRange(candles[i], candles[i-1].Close)
		atr = (atr*float64(period-1) + tr) / float64(period)
		out = append(out, atr)
	}
	return out
}

// ATR returns the latest ATR, or 0 when there is not enough history.
func ATR(candles []common.Candle, period int) float64 {
	s := ATRSeries(candles, period)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// Median returns the median of values without modifying them.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// Closes extracts close prices.
func Closes(candles []common.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Returns converts a price series into simple returns.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}

// Correlation returns the Pearson correlation of the overlapping tails of a
// and b, or 0 when either side has no variance.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]
	var ma, mb float64
	for i := 0; i < n; i++ {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(n)
	mb /= float64(n)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}
