package gatekeeper

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradeguard/internal/indicators"
	"tradeguard/internal/strategy"
	"tradeguard/pkg/exchanges/common"
)

// Gate tags reported in Decision.Gate.
const (
	GateChopSell     = "chop_sell"
	GateOversoldVeto = "oversold_veto"
	GateMinEdge      = "min_edge"
	GateMinNotional  = "min_notional"
)

const atrPeriod = 14

// Config holds the sell-discipline thresholds.
type Config struct {
	ChopCooldown        time.Duration `json:"chop_cooldown" yaml:"chop_cooldown"`
	ChopATRMultiple     float64       `json:"chop_atr_multiple" yaml:"chop_atr_multiple"`
	TrendBypassStrength float64       `json:"trend_bypass_strength" yaml:"trend_bypass_strength"`
	MinOversoldVotes    int           `json:"min_oversold_votes" yaml:"min_oversold_votes"`
	FeeBps              float64       `json:"fee_bps" yaml:"fee_bps"`
	SlippageBps         float64       `json:"slippage_bps" yaml:"slippage_bps"`
	MarginBps           float64       `json:"margin_bps" yaml:"margin_bps"`
	CaptureRatio        float64       `json:"capture_ratio" yaml:"capture_ratio"`
	MinNotionalUSD      float64       `json:"min_notional_usd" yaml:"min_notional_usd"`
}

func DefaultConfig() Config {
	return Config{
		ChopCooldown:        30 * time.Minute,
		ChopATRMultiple:     1,
		TrendBypassStrength: 0.6,
		MinOversoldVotes:    2,
		FeeBps:              10,
		SlippageBps:         5,
		MarginBps:           5,
		CaptureRatio:        0.5,
		MinNotionalUSD:      10,
	}
}

// EdgeAnalysis is the cost/benefit breakdown behind the min-edge gate.
type EdgeAnalysis struct {
	ATR             float64 `json:"atr"`
	Price           float64 `json:"price"`
	Confidence      float64 `json:"confidence"`
	CaptureRatio    float64 `json:"capture_ratio"`
	ExpectedMoveBps float64 `json:"expected_move_bps"`
	FeeBps          float64 `json:"fee_bps"`
	SlippageBps     float64 `json:"slippage_bps"`
	MarginBps       float64 `json:"margin_bps"`
	BoostBps        float64 `json:"boost_bps"`
	RequiredBps     float64 `json:"required_bps"`
	NetEdgeBps      float64 `json:"net_edge_bps"`
}

// Decision is the outcome of Gatekeeper.Evaluate.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Reason  string        `json:"reason"`
	Gate    string        `json:"gate,omitempty"`
	Edge    *EdgeAnalysis `json:"edge,omitempty"`
}

type lastSell struct {
	price float64
	at    time.Time
}

// Gatekeeper applies heuristic discipline to SELL signals. The only state it
// keeps is the last confirmed sell per symbol and the overlay edge boost.
type Gatekeeper struct {
	cfg Config

	mu        sync.RWMutex
	lastSells map[string]lastSell
	edgeBoost float64
}

func New(cfg Config) *Gatekeeper {
	return &Gatekeeper{cfg: cfg, lastSells: make(map[string]lastSell)}
}

// SetEdgeBoost raises the min-edge threshold by bps, as set by the risk
// overlay. Negative values are treated as zero.
func (g *Gatekeeper) SetEdgeBoost(bps float64) {
	g.mu.Lock()
	g.edgeBoost = math.Max(0, bps)
	g.mu.Unlock()
}

// RecordSell remembers a confirmed sell fill for the chop guard.
func (g *Gatekeeper) RecordSell(symbol string, price float64, ts time.Time) {
	g.mu.Lock()
	g.lastSells[symbol] = lastSell{price: price, at: ts}
	g.mu.Unlock()
}

// LastSell returns the recorded sell for symbol.
func (g *Gatekeeper) LastSell(symbol string) (price float64, at time.Time, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ls, ok := g.lastSells[symbol]
	return ls.price, ls.at, ok
}

// Evaluate runs the sell gates in order. Non-SELL signals pass untouched.
func (g *Gatekeeper) Evaluate(sig strategy.Signal, symbol string, price, positionQty float64, candles []common.Candle, now time.Time) Decision {
	if sig.Action != strategy.ActionSell {
		return Decision{Allowed: true, Reason: "not a sell"}
	}

	g.mu.RLock()
	prev, hasPrev := g.lastSells[symbol]
	boost := g.edgeBoost
	g.mu.RUnlock()

	atr := indicators.ATR(candles, atrPeriod)
	edge := g.edge(sig, price, atr, boost)

	if hasPrev {
		if trend, strength := trendContext(sig); trend && strength >= g.cfg.TrendBypassStrength {
			log.Debug().Str("symbol", symbol).Float64("trend_strength", strength).Msg("chop guard bypassed")
		} else if d, blocked := g.chopCheck(prev, price, atr, now); blocked {
			d.Edge = edge
			return d
		}
	}

	if votes := oversoldVotes(sig); len(votes) >= g.minVotes() {
		return Decision{
			Gate:   GateOversoldVeto,
			Reason: fmt.Sprintf("%d oscillators oversold %v", len(votes), votes),
			Edge:   edge,
		}
	}

	if edge.ExpectedMoveBps < edge.RequiredBps {
		return Decision{
			Gate:   GateMinEdge,
			Reason: fmt.Sprintf("expected move %.1fbps below cost %.1fbps", edge.ExpectedMoveBps, edge.RequiredBps),
			Edge:   edge,
		}
	}

	if notional := positionQty * price; notional < g.cfg.MinNotionalUSD {
		return Decision{
			Gate:   GateMinNotional,
			Reason: fmt.Sprintf("notional $%.2f below $%.2f", notional, g.cfg.MinNotionalUSD),
			Edge:   edge,
		}
	}

	return Decision{Allowed: true, Reason: "sell gates passed", Edge: edge}
}

func (g *Gatekeeper) chopCheck(prev lastSell, price, atr float64, now time.Time) (Decision, bool) {
	if elapsed := now.Sub(prev.at); elapsed < g.cfg.ChopCooldown {
		return Decision{
			Gate:   GateChopSell,
			Reason: fmt.Sprintf("last sell %s ago, cooldown %s", elapsed.Round(time.Second), g.cfg.ChopCooldown),
		}, true
	}
	if atr > 0 {
		need := g.cfg.ChopATRMultiple * atr
		if move := math.Abs(price - prev.price); move < need {
			return Decision{
				Gate:   GateChopSell,
				Reason: fmt.Sprintf("price moved %.4f since last sell, need %.4f", move, need),
			}, true
		}
	}
	return Decision{}, false
}

func (g *Gatekeeper) edge(sig strategy.Signal, price, atr, boost float64) *EdgeAnalysis {
	e := &EdgeAnalysis{
		ATR:          atr,
		Price:        price,
		Confidence:   sig.Confidence,
		CaptureRatio: g.cfg.CaptureRatio,
		FeeBps:       g.cfg.FeeBps,
		SlippageBps:  g.cfg.SlippageBps,
		MarginBps:    g.cfg.MarginBps,
		BoostBps:     boost,
	}
	if price > 0 {
		e.ExpectedMoveBps = atr / price * 1e4 * sig.Confidence * g.cfg.CaptureRatio
	}
	e.RequiredBps = e.FeeBps + e.SlippageBps + e.MarginBps + e.BoostBps
	e.NetEdgeBps = e.ExpectedMoveBps - e.RequiredBps
	return e
}

func (g *Gatekeeper) minVotes() int {
	if g.cfg.MinOversoldVotes <= 0 {
		return 2
	}
	return g.cfg.MinOversoldVotes
}
