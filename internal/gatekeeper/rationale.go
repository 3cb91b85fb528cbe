package gatekeeper

import (
	"regexp"
	"strconv"
	"strings"

	"tradeguard/internal/strategy"
)

var (
	clauseSplit   = regexp.MustCompile(`[;,|\n]+`)
	strengthRegex = regexp.MustCompile(`(?i)(?:strength|adx)\s*[=:]?\s*([0-9]+(?:\.[0-9]+)?)`)
	stochRSIRegex = regexp.MustCompile(`stoch\s*_?-?\s*rsi`)
	rsiRegex      = regexp.MustCompile(`\brsi\b`)
)

// trendContext reports whether the signal describes a trending market and
// the strength of that trend in 0..1. Structured fields win; otherwise the
// reason text is read for a "trend" clause with a strength or ADX figure.
func trendContext(sig strategy.Signal) (bool, float64) {
	if sig.TrendStrength != nil {
		return sig.Regime == strategy.RegimeTrend, *sig.TrendStrength
	}
	if sig.Regime != strategy.RegimeUnknown {
		return sig.Regime == strategy.RegimeTrend, 0
	}
	for _, clause := range clauseSplit.Split(sig.Reason, -1) {
		lower := strings.ToLower(clause)
		if !strings.Contains(lower, "trend") {
			continue
		}
		m := strengthRegex.FindStringSubmatch(clause)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if v > 1 {
			v /= 100
		}
		return true, v
	}
	return false, 0
}

// oversoldVotes lists the distinct oscillators reporting oversold.
func oversoldVotes(sig strategy.Signal) []strategy.Oscillator {
	if len(sig.Oversold) > 0 {
		seen := make(map[strategy.Oscillator]bool, len(sig.Oversold))
		var out []strategy.Oscillator
		for _, o := range sig.Oversold {
			if !seen[o] {
				seen[o] = true
				out = append(out, o)
			}
		}
		return out
	}
	return parseOversold(sig.Reason)
}

// parseOversold reads oscillator mentions from clauses that also say the
// market is oversold (or, for Bollinger, below its lower band).
func parseOversold(reason string) []strategy.Oscillator {
	seen := make(map[strategy.Oscillator]bool)
	var out []strategy.Oscillator
	add := func(o strategy.Oscillator) {
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}

	for _, clause := range clauseSplit.Split(reason, -1) {
		c := strings.ToLower(clause)
		lowerBand := strings.Contains(c, "lower band") || strings.Contains(c, "bb lower") || strings.Contains(c, "bollinger lower")
		if !strings.Contains(c, "oversold") && !lowerBand {
			continue
		}
		if stochRSIRegex.MatchString(c) {
			add(strategy.OscStochRSI)
			c = stochRSIRegex.ReplaceAllString(c, "")
		}
		if strings.Contains(c, "cci") {
			add(strategy.OscCCI)
		}
		if strings.Contains(c, "bollinger") || lowerBand {
			add(strategy.OscBollingerLower)
		}
		if strings.Contains(c, "williams") || strings.Contains(c, "%r") || strings.Contains(c, "willr") {
			add(strategy.OscWilliamsR)
		}
		if rsiRegex.MatchString(c) {
			add(strategy.OscRSI)
		}
	}
	return out
}
