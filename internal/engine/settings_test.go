package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "risk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSettingsMissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
	assert.False(t, s.Risk.LiveTradingEnabled)
}

func TestLoadSettingsOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
risk:
  live_trading_enabled: true
  max_open_positions: 5
  max_ticker_age: 30s
  lockouts:
    - name: cpi
      daily_start: "12:25"
      daily_end: "12:45"
overlay:
  drawdown_reduce_pct: 4
resilience:
  orders:
    max_attempts: 1
    base_delay: 250ms
  error_rate_window: 2m
strategy:
  fast_period: 5
  slow_period: 20
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)

	assert.True(t, s.Risk.LiveTradingEnabled)
	assert.Equal(t, 5, s.Risk.MaxOpenPositions)
	assert.Equal(t, 30*time.Second, s.Risk.MaxTickerAge)
	assert.Equal(t, DefaultSettings().Risk.MaxDailyLossUSD, s.Risk.MaxDailyLossUSD)
	require.Len(t, s.Risk.Lockouts, 1)
	assert.Equal(t, "cpi", s.Risk.Lockouts[0].Name)

	assert.Equal(t, 4.0, s.Overlay.DrawdownReducePct)
	assert.Equal(t, DefaultSettings().Overlay.DrawdownHaltPct, s.Overlay.DrawdownHaltPct)
	assert.Equal(t, 1, s.Resilience.Orders.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, s.Resilience.Orders.BaseDelay)
	assert.Equal(t, 2*time.Minute, s.Resilience.ErrorRateWindow)
	assert.Equal(t, 5, s.Strategy.FastPeriod)
}

func TestLoadSettingsRejectsInvalid(t *testing.T) {
	_, err := LoadSettings(writeFile(t, "strategy:\n  fast_period: 30\n  slow_period: 10\n"))
	assert.Error(t, err)

	_, err = LoadSettings(writeFile(t, "risk: [not, a, map]\n"))
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	s := DefaultSettings()
	on, off := true, false
	s.ApplyOverrides(&on, nil)
	assert.True(t, s.Risk.KillSwitch)
	assert.False(t, s.Risk.LiveTradingEnabled)

	s.ApplyOverrides(&off, &on)
	assert.False(t, s.Risk.KillSwitch)
	assert.True(t, s.Risk.LiveTradingEnabled)
}

func TestShippedRiskFileLoads(t *testing.T) {
	s, err := LoadSettings(filepath.Join("..", "..", "risk.yaml"))
	require.NoError(t, err)
	assert.False(t, s.Risk.LiveTradingEnabled)
	assert.Equal(t, 2*time.Minute, s.Risk.MaxTickerAge)
	assert.Equal(t, 3, s.Resilience.OrderBreaker.Threshold)
	require.Len(t, s.Risk.Lockouts, 1)
	assert.Equal(t, "23:55", s.Risk.Lockouts[0].DailyStart)
}
