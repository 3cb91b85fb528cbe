package indicators

// RSI is the Relative Strength Index of the last value, using Wilder's
// smoothing: the first period changes seed simple averages of gains and
// losses, and every later change folds in with weight 1/period. A series
// with no losses reads 100; a flat one reads 50.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		g, l := split(values[i] - values[i-1])
		avgGain += g
		avgLoss += l
	}
	n := float64(period)
	avgGain /= n
	avgLoss /= n

	for i := period + 1; i < len(values); i++ {
		g, l := split(values[i] - values[i-1])
		avgGain = (avgGain*(n-1) + g) / n
		avgLoss = (avgLoss*(n-1) + l) / n
	}

	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50
	case avgLoss == 0:
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

func split(change float64) (gain, loss float64) {
	if change > 0 {
		return change, 0
	}
	return 0, -change
}
