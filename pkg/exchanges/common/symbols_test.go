package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		in          string
		base, quote string
		ok          bool
	}{
		{"BTCUSDT", "BTC", "USDT", true},
		{"ethfdusd", "ETH", "FDUSD", true},
		{"BTC-USD", "BTC", "USD", true},
		{"SOL/USDC", "SOL", "USDC", true},
		{"XYZ", "XYZ", "", false},
		{"USDT", "USDT", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			base, quote, ok := SplitSymbol(tt.in)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.quote, quote)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestIsUSDEquivalent(t *testing.T) {
	assert.True(t, IsUSDEquivalent("usdt"))
	assert.True(t, IsUSDEquivalent("DAI"))
	assert.False(t, IsUSDEquivalent("BTC"))
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.True(t, StatusFilled.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusPartial.Terminal())
	assert.False(t, StatusNew.Terminal())
}
