package risk

import (
	"fmt"
	"strings"
	"time"
)

// Gate tags reported in Decision.BlockedBy.
const (
	GateKillSwitch          = "kill_switch"
	GateLiveTradingDisabled = "live_trading_disabled"
	GateHold                = "hold"
	GatePairNotAllowed      = "pair_not_allowed"
	GateNoPosition          = "no_position"
	GateMaxDailyLoss        = "max_daily_loss"
	GateMaxOpenPositions    = "max_open_positions"
	GateMaxPositionSize     = "max_position_size"
	GateCooldown            = "cooldown"
	GateMinVolume           = "min_volume"
	GateSpread              = "spread"
	GateSlippage            = "slippage"
	GateMaxLeverage         = "max_leverage"
	GateVolatilityBreaker   = "volatility_breaker"
	GateEventLockout        = "event_lockout"
	GateAnomaly             = "anomaly"
	GateRiskOverlay         = "risk_overlay"
)

// Config holds the admission limits. A zero limit disables its gate unless
// noted otherwise.
type Config struct {
	KillSwitch         bool     `json:"kill_switch" yaml:"kill_switch"`
	LiveTradingEnabled bool     `json:"live_trading_enabled" yaml:"live_trading_enabled"`
	AllowedPairs       []string `json:"allowed_pairs" yaml:"allowed_pairs"`

	MaxDailyLossUSD  float64 `json:"max_daily_loss_usd" yaml:"max_daily_loss_usd"`
	MaxOpenPositions int     `json:"max_open_positions" yaml:"max_open_positions"`
	// MaxPositionUSD caps notional per symbol and is required for sizing.
	MaxPositionUSD   float64 `json:"max_position_usd" yaml:"max_position_usd"`
	MinTicketUSD     float64 `json:"min_ticket_usd" yaml:"min_ticket_usd"`
	RiskPerTradePct  float64 `json:"risk_per_trade_pct" yaml:"risk_per_trade_pct"`
	ATRStopMultiple  float64 `json:"atr_stop_multiple" yaml:"atr_stop_multiple"`
	MinSizingCandles int     `json:"min_sizing_candles" yaml:"min_sizing_candles"`

	CooldownMinutes float64 `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	MinVolume24hUSD float64 `json:"min_volume_24h_usd" yaml:"min_volume_24h_usd"`
	MaxSpreadBps    float64 `json:"max_spread_bps" yaml:"max_spread_bps"`
	MaxSlippageBps  float64 `json:"max_slippage_bps" yaml:"max_slippage_bps"`
	MaxLeverage     float64 `json:"max_leverage" yaml:"max_leverage"`

	VolatilityRatioLimit float64 `json:"volatility_ratio_limit" yaml:"volatility_ratio_limit"`
	VolatilityLookback   int     `json:"volatility_lookback" yaml:"volatility_lookback"`

	Lockouts []LockoutWindow `json:"lockouts" yaml:"lockouts"`

	MaxTickerAge         time.Duration `json:"max_ticker_age" yaml:"max_ticker_age"`
	MaxCandleMovePct     float64       `json:"max_candle_move_pct" yaml:"max_candle_move_pct"`
	MaxPriceDeviationPct float64       `json:"max_price_deviation_pct" yaml:"max_price_deviation_pct"`

	// Protective exits attached to new positions.
	DefaultStopLossPct   float64 `json:"default_stop_loss_pct" yaml:"default_stop_loss_pct"`
	DefaultTakeProfitPct float64 `json:"default_take_profit_pct" yaml:"default_take_profit_pct"`
	UseTrailingStop      bool    `json:"use_trailing_stop" yaml:"use_trailing_stop"`
	TrailingPct          float64 `json:"trailing_pct" yaml:"trailing_pct"`
}

// DefaultConfig returns conservative defaults with live trading disabled.
func DefaultConfig() Config {
	return Config{
		KillSwitch:           false,
		LiveTradingEnabled:   false,
		MaxDailyLossUSD:      150,
		MaxOpenPositions:     3,
		MaxPositionUSD:       500,
		MinTicketUSD:         10,
		RiskPerTradePct:      0.01,
		ATRStopMultiple:      1.5,
		MinSizingCandles:     30,
		CooldownMinutes:      60,
		MinVolume24hUSD:      1_000_000,
		MaxSpreadBps:         25,
		MaxSlippageBps:       30,
		MaxLeverage:          1,
		VolatilityRatioLimit: 3,
		VolatilityLookback:   100,
		MaxTickerAge:         2 * time.Minute,
		MaxCandleMovePct:     0.08,
		MaxPriceDeviationPct: 0.03,
		DefaultStopLossPct:   0.02,
		DefaultTakeProfitPct: 0.05,
		TrailingPct:          0.015,
	}
}

// Validate rejects settings that would make sizing meaningless.
func (c Config) Validate() error {
	if c.MaxPositionUSD <= 0 {
		return fmt.Errorf("max_position_usd must be positive")
	}
	if c.RiskPerTradePct < 0 || c.RiskPerTradePct > 1 {
		return fmt.Errorf("risk_per_trade_pct must be within [0,1]")
	}
	for i, w := range c.Lockouts {
		if err := w.validate(); err != nil {
			return fmt.Errorf("lockout %d (%s): %w", i, w.Name, err)
		}
	}
	return nil
}

// LockoutWindow blocks trading either between Start and End, or every day
// between DailyStart and DailyEnd ("HH:MM", UTC). A daily window whose end is
// before its start wraps past midnight.
type LockoutWindow struct {
	Name       string    `json:"name" yaml:"name"`
	Start      time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End        time.Time `json:"end,omitempty" yaml:"end,omitempty"`
	DailyStart string    `json:"daily_start,omitempty" yaml:"daily_start,omitempty"`
	DailyEnd   string    `json:"daily_end,omitempty" yaml:"daily_end,omitempty"`
}

func (w LockoutWindow) validate() error {
	if w.DailyStart != "" || w.DailyEnd != "" {
		if _, err := parseClock(w.DailyStart); err != nil {
			return err
		}
		_, err := parseClock(w.DailyEnd)
		return err
	}
	if w.Start.IsZero() || w.End.IsZero() || !w.End.After(w.Start) {
		return fmt.Errorf("one-off window needs start < end")
	}
	return nil
}

// Contains reports whether now falls inside the window.
func (w LockoutWindow) Contains(now time.Time) bool {
	if w.DailyStart != "" {
		start, err1 := parseClock(w.DailyStart)
		end, err2 := parseClock(w.DailyEnd)
		if err1 != nil || err2 != nil {
			return false
		}
		u := now.UTC()
		m := u.Hour()*60 + u.Minute()
		if start <= end {
			return m >= start && m < end
		}
		return m >= start || m < end
	}
	return !now.Before(w.Start) && now.Before(w.End)
}

// parseClock turns "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// OpenPosition is one live holding inside an AccountSnapshot.
type OpenPosition struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
}

// Notional values the position at its current price, or its entry price
// when no mark is known.
func (p OpenPosition) Notional() float64 {
	px := p.CurrentPrice
	if px <= 0 {
		px = p.EntryPrice
	}
	return p.Quantity * px
}

// UnrealizedPnL of a long position at its current mark.
func (p OpenPosition) UnrealizedPnL() float64 {
	if p.CurrentPrice <= 0 {
		return 0
	}
	if p.Side == "SHORT" {
		return (p.EntryPrice - p.CurrentPrice) * p.Quantity
	}
	return (p.CurrentPrice - p.EntryPrice) * p.Quantity
}

// AccountSnapshot is the point-in-time portfolio view the engine evaluates
// against.
type AccountSnapshot struct {
	CashUSD               float64              `json:"cash_usd"`
	RealizedPnLUSD        float64              `json:"realized_pnl_usd"`
	UnrealizedPnLUSD      float64              `json:"unrealized_pnl_usd"`
	OpenPositions         []OpenPosition       `json:"open_positions"`
	LastStopOutAtBySymbol map[string]time.Time `json:"last_stop_out_at_by_symbol"`
}

// Position returns the open position for symbol, if any.
func (s AccountSnapshot) Position(symbol string) (OpenPosition, bool) {
	for _, p := range s.OpenPositions {
		if p.Symbol == symbol && p.Quantity > 0 {
			return p, true
		}
	}
	return OpenPosition{}, false
}

// ExposureUSD sums notional across open positions.
func (s AccountSnapshot) ExposureUSD() float64 {
	total := 0.0
	for _, p := range s.OpenPositions {
		total += p.Notional()
	}
	return total
}

// EquityUSD is cash plus marked position value.
func (s AccountSnapshot) EquityUSD() float64 {
	return s.CashUSD + s.ExposureUSD()
}

// Decision is the outcome of Engine.Evaluate.
type Decision struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason"`
	BlockedBy       string  `json:"blocked_by,omitempty"`
	PositionSizeUSD float64 `json:"position_size_usd,omitempty"`
}

func block(gate, format string, args ...any) Decision {
	return Decision{Allowed: false, BlockedBy: gate, Reason: fmt.Sprintf(format, args...)}
}
