package common

import "strings"

// QuoteAssets are the quote currencies recognised when splitting a symbol,
// longest first so FDUSD wins over USD.
var QuoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "DAI", "USD"}

var usdEquivalent = map[string]bool{
	"USD": true, "USDT": true, "USDC": true, "BUSD": true,
	"FDUSD": true, "DAI": true, "TUSD": true,
}

// IsUSDEquivalent reports whether an asset is counted as cash.
func IsUSDEquivalent(asset string) bool {
	return usdEquivalent[strings.ToUpper(asset)]
}

// SplitSymbol returns base and quote for BTCUSDT, BTC-USD or BTC/USD.
// ok is false when no known quote asset matches.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexAny(s, "-/_"); i > 0 {
		return s[:i], s[i+1:], i+1 < len(s)
	}
	for _, q := range QuoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return strings.TrimSuffix(s, q), q, true
		}
	}
	return s, "", false
}

// BaseAsset returns the base asset of symbol, or the symbol itself when it
// cannot be split.
func BaseAsset(symbol string) string {
	base, _, _ := SplitSymbol(symbol)
	return base
}
