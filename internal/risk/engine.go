package risk

import (
	"math"
	"strings"
	"sync"
	"time"

	"tradeguard/internal/indicators"
	"tradeguard/internal/strategy"
	"tradeguard/pkg/exchanges/common"
)

const atrPeriod = 14

// Engine runs the ordered admission gates. Evaluate reads only its arguments
// and the current config, so identical inputs give identical decisions.
type Engine struct {
	mu  sync.RWMutex
	cfg Config
}

// NewEngine creates an engine with cfg.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig swaps the active configuration.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Evaluate applies the gates in order and sizes allowed BUYs. leverage <= 0
// is treated as 1x. candles may be nil.
func (e *Engine) Evaluate(sig strategy.Signal, symbol string, snap AccountSnapshot, tk common.Ticker, nowMs int64, candles []common.Candle, leverage float64) Decision {
	cfg := e.Config()
	now := time.UnixMilli(nowMs)
	if leverage <= 0 {
		leverage = 1
	}

	if cfg.KillSwitch {
		return block(GateKillSwitch, "kill switch engaged")
	}
	if !cfg.LiveTradingEnabled {
		return block(GateLiveTradingDisabled, "live trading disabled")
	}
	if sig.Action == strategy.ActionHold || sig.Action == "" {
		return block(GateHold, "hold signal")
	}
	if len(cfg.AllowedPairs) > 0 && !pairAllowed(cfg.AllowedPairs, symbol) {
		return block(GatePairNotAllowed, "%s not in allowed pairs", symbol)
	}

	pos, hasPos := snap.Position(symbol)
	buy := sig.Action == strategy.ActionBuy
	if !buy && !hasPos {
		return block(GateNoPosition, "no open position in %s to sell", symbol)
	}

	if buy {
		if d, ok := entryGates(cfg, symbol, snap, pos, hasPos, now); !ok {
			return d
		}
	}

	if d, ok := marketGates(cfg, buy, tk, leverage); !ok {
		return d
	}
	if d, ok := volatilityGate(cfg, candles); !ok {
		return d
	}
	for _, w := range cfg.Lockouts {
		if w.Contains(now) {
			return block(GateEventLockout, "inside lockout window %q", w.Name)
		}
	}
	if d, ok := anomalyGate(cfg, tk, candles, now); !ok {
		return d
	}

	if !buy {
		return Decision{Allowed: true, Reason: "all gates passed", PositionSizeUSD: pos.Notional()}
	}
	return sizeEntry(cfg, sig, snap, pos, hasPos, tk, candles)
}

// entryGates covers limits that only restrict opening or adding exposure.
func entryGates(cfg Config, symbol string, snap AccountSnapshot, pos OpenPosition, hasPos bool, now time.Time) (Decision, bool) {
	pnl := snap.RealizedPnLUSD + snap.UnrealizedPnLUSD
	if cfg.MaxDailyLossUSD > 0 && pnl <= -cfg.MaxDailyLossUSD {
		return block(GateMaxDailyLoss, "daily pnl %.2f breaches limit -%.2f", pnl, cfg.MaxDailyLossUSD), false
	}
	if cfg.MaxOpenPositions > 0 && !hasPos {
		open := 0
		for _, p := range snap.OpenPositions {
			if p.Quantity > 0 {
				open++
			}
		}
		if open >= cfg.MaxOpenPositions {
			return block(GateMaxOpenPositions, "open positions %d at cap %d", open, cfg.MaxOpenPositions), false
		}
	}
	if hasPos && pos.Notional() >= cfg.MaxPositionUSD {
		return block(GateMaxPositionSize, "%s notional %.2f at cap %.2f", symbol, pos.Notional(), cfg.MaxPositionUSD), false
	}
	if cfg.CooldownMinutes > 0 {
		if at, ok := snap.LastStopOutAtBySymbol[symbol]; ok {
			cooldown := time.Duration(cfg.CooldownMinutes * float64(time.Minute))
			if elapsed := now.Sub(at); elapsed < cooldown {
				return block(GateCooldown, "%s stopped out %s ago, cooldown %s", symbol, elapsed.Round(time.Second), cooldown), false
			}
		}
	}
	return Decision{}, true
}

func marketGates(cfg Config, buy bool, tk common.Ticker, leverage float64) (Decision, bool) {
	if cfg.MinVolume24hUSD > 0 && tk.Volume24h < cfg.MinVolume24hUSD {
		return block(GateMinVolume, "24h volume %.0f below %.0f", tk.Volume24h, cfg.MinVolume24hUSD), false
	}
	if cfg.MaxSpreadBps > 0 {
		if tk.Bid <= 0 || tk.Ask <= 0 || tk.Ask < tk.Bid {
			return block(GateSpread, "invalid book bid=%.8f ask=%.8f", tk.Bid, tk.Ask), false
		}
		if spread := (tk.Ask - tk.Bid) / tk.Mid() * 1e4; spread > cfg.MaxSpreadBps {
			return block(GateSpread, "spread %.1fbps above %.1fbps", spread, cfg.MaxSpreadBps), false
		}
	}
	if cfg.MaxSlippageBps > 0 && tk.Last > 0 {
		var slip float64
		if buy {
			slip = (tk.Ask - tk.Last) / tk.Last * 1e4
		} else {
			slip = (tk.Last - tk.Bid) / tk.Last * 1e4
		}
		if slip > cfg.MaxSlippageBps {
			return block(GateSlippage, "expected slippage %.1fbps above %.1fbps", slip, cfg.MaxSlippageBps), false
		}
	}
	if cfg.MaxLeverage > 0 && leverage > cfg.MaxLeverage {
		return block(GateMaxLeverage, "leverage %.2fx above %.2fx", leverage, cfg.MaxLeverage), false
	}
	return Decision{}, true
}

// VolatilityRatio is the latest ATR over the median ATR of the lookback
// window. ok is false without enough history.
func VolatilityRatio(candles []common.Candle, lookback int) (float64, bool) {
	if lookback > 0 && len(candles) > lookback {
		candles = candles[len(candles)-lookback:]
	}
	series := indicators.ATRSeries(candles, atrPeriod)
	if len(series) < 2 {
		return 0, false
	}
	med := indicators.Median(series)
	if med <= 0 {
		return 0, false
	}
	return series[len(series)-1] / med, true
}

func volatilityGate(cfg Config, candles []common.Candle) (Decision, bool) {
	if cfg.VolatilityRatioLimit <= 0 {
		return Decision{}, true
	}
	ratio, ok := VolatilityRatio(candles, cfg.VolatilityLookback)
	if ok && ratio > cfg.VolatilityRatioLimit {
		return block(GateVolatilityBreaker, "ATR ratio %.2f above %.2f", ratio, cfg.VolatilityRatioLimit), false
	}
	return Decision{}, true
}

func anomalyGate(cfg Config, tk common.Ticker, candles []common.Candle, now time.Time) (Decision, bool) {
	if cfg.MaxTickerAge > 0 && !tk.Time.IsZero() {
		if age := now.Sub(tk.Time); age > cfg.MaxTickerAge {
			return block(GateAnomaly, "ticker stale by %s", age.Round(time.Second)), false
		}
	}
	n := len(candles)
	if n == 0 {
		return Decision{}, true
	}
	last := candles[n-1]
	if cfg.MaxCandleMovePct > 0 && n >= 2 && candles[n-2].Close > 0 {
		move := math.Abs(last.Close-candles[n-2].Close) / candles[n-2].Close
		if move > cfg.MaxCandleMovePct {
			return block(GateAnomaly, "last candle moved %.2f%%", move*100), false
		}
	}
	if cfg.MaxPriceDeviationPct > 0 && tk.Last > 0 && last.Close > 0 {
		dev := math.Abs(tk.Last-last.Close) / last.Close
		if dev > cfg.MaxPriceDeviationPct {
			return block(GateAnomaly, "ticker deviates %.2f%% from last close", dev*100), false
		}
	}
	return Decision{}, true
}

func sizeEntry(cfg Config, sig strategy.Signal, snap AccountSnapshot, pos OpenPosition, hasPos bool, tk common.Ticker, candles []common.Candle) Decision {
	existing := 0.0
	if hasPos {
		existing = pos.Notional()
	}
	remaining := cfg.MaxPositionUSD - existing
	if remaining <= 0 {
		return block(GateMaxPositionSize, "no remaining capacity (%.2f of %.2f used)", existing, cfg.MaxPositionUSD)
	}

	price := tk.Ask
	if price <= 0 {
		price = tk.Last
	}

	minCandles := cfg.MinSizingCandles
	if minCandles <= 0 {
		minCandles = 30
	}
	var size float64
	var method string
	atr := 0.0
	if len(candles) >= minCandles {
		atr = indicators.ATR(candles, atrPeriod)
	}
	if atr > 0 && price > 0 && cfg.RiskPerTradePct > 0 {
		riskUSD := snap.CashUSD * cfg.RiskPerTradePct
		stop := cfg.ATRStopMultiple * atr
		if stop <= 0 {
			stop = atr
		}
		size = riskUSD / (stop / price)
		method = "atr"
	} else {
		conf := math.Max(0, math.Min(1, sig.Confidence))
		size = math.Max(cfg.MaxPositionUSD*math.Pow(conf, 1.5), cfg.MinTicketUSD)
		method = "confidence"
	}
	size = math.Min(size, remaining)

	return Decision{
		Allowed:         true,
		Reason:          "all gates passed, sized by " + method,
		PositionSizeUSD: size,
	}
}

func pairAllowed(pairs []string, symbol string) bool {
	for _, p := range pairs {
		if strings.EqualFold(p, symbol) {
			return true
		}
	}
	return false
}
