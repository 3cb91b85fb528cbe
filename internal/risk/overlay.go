package risk

import (
	"fmt"
	"math"
	"sync"

	"tradeguard/internal/indicators"
	"tradeguard/internal/strategy"
)

// Mode is the portfolio posture chosen by the overlay.
type Mode string

const (
	ModeNormal       Mode = "normal"
	ModeReduced      Mode = "reduced"
	ModeNoNewEntries Mode = "no_new_entries"
	ModeFlattenOnly  Mode = "flatten_only"
)

// Modes lists every mode in escalation order.
var Modes = []Mode{ModeNormal, ModeReduced, ModeNoNewEntries, ModeFlattenOnly}

// Severity orders modes; higher is stricter.
func (m Mode) Severity() int {
	switch m {
	case ModeReduced:
		return 1
	case ModeNoNewEntries:
		return 2
	case ModeFlattenOnly:
		return 3
	default:
		return 0
	}
}

// BlocksEntries reports whether new BUYs are refused in this mode.
func (m Mode) BlocksEntries() bool {
	return m.Severity() >= ModeNoNewEntries.Severity()
}

// OverlayConfig holds the thermostat thresholds. Percentages are 0..100.
type OverlayConfig struct {
	DrawdownReducePct  float64 `json:"drawdown_reduce_pct" yaml:"drawdown_reduce_pct"`
	DrawdownHaltPct    float64 `json:"drawdown_halt_pct" yaml:"drawdown_halt_pct"`
	DrawdownFlattenPct float64 `json:"drawdown_flatten_pct" yaml:"drawdown_flatten_pct"`
	DrawdownMultiplier float64 `json:"drawdown_multiplier" yaml:"drawdown_multiplier"`

	MaxConcentrationPct     float64 `json:"max_concentration_pct" yaml:"max_concentration_pct"`
	ConcentrationMultiplier float64 `json:"concentration_multiplier" yaml:"concentration_multiplier"`

	VolShiftRatio        float64 `json:"vol_shift_ratio" yaml:"vol_shift_ratio"`
	VolatilityMultiplier float64 `json:"volatility_multiplier" yaml:"volatility_multiplier"`

	CorrelationSpike      float64 `json:"correlation_spike" yaml:"correlation_spike"`
	CorrelationMultiplier float64 `json:"correlation_multiplier" yaml:"correlation_multiplier"`

	EventMultiplier float64 `json:"event_multiplier" yaml:"event_multiplier"`

	MaxAPIErrorRate     float64 `json:"max_api_error_rate" yaml:"max_api_error_rate"`
	MaxReconDriftUSD    float64 `json:"max_recon_drift_usd" yaml:"max_recon_drift_usd"`
	MaxOpenOrderBacklog int     `json:"max_open_order_backlog" yaml:"max_open_order_backlog"`
	BacklogMultiplier   float64 `json:"backlog_multiplier" yaml:"backlog_multiplier"`

	ReducedStopTightenBps   float64 `json:"reduced_stop_tighten_bps" yaml:"reduced_stop_tighten_bps"`
	ReducedEdgeBoostBps     float64 `json:"reduced_edge_boost_bps" yaml:"reduced_edge_boost_bps"`
	NoEntriesStopTightenBps float64 `json:"no_entries_stop_tighten_bps" yaml:"no_entries_stop_tighten_bps"`
	NoEntriesEdgeBoostBps   float64 `json:"no_entries_edge_boost_bps" yaml:"no_entries_edge_boost_bps"`
	FlattenStopTightenBps   float64 `json:"flatten_stop_tighten_bps" yaml:"flatten_stop_tighten_bps"`
	FlattenEdgeBoostBps     float64 `json:"flatten_edge_boost_bps" yaml:"flatten_edge_boost_bps"`
}

func DefaultOverlayConfig() OverlayConfig {
	return OverlayConfig{
		DrawdownReducePct:       5,
		DrawdownHaltPct:         10,
		DrawdownFlattenPct:      15,
		DrawdownMultiplier:      0.5,
		MaxConcentrationPct:     60,
		ConcentrationMultiplier: 0.5,
		VolShiftRatio:           2,
		VolatilityMultiplier:    0.5,
		CorrelationSpike:        0.85,
		CorrelationMultiplier:   0.6,
		EventMultiplier:         0.5,
		MaxAPIErrorRate:         0.25,
		MaxReconDriftUSD:        25,
		MaxOpenOrderBacklog:     10,
		BacklogMultiplier:       0.75,
		ReducedStopTightenBps:   25,
		ReducedEdgeBoostBps:     10,
		NoEntriesStopTightenBps: 50,
		NoEntriesEdgeBoostBps:   25,
		FlattenStopTightenBps:   100,
		FlattenEdgeBoostBps:     50,
	}
}

// OperationalInputs describe the health of the plumbing around the engine.
type OperationalInputs struct {
	APIErrorRate     float64 `json:"api_error_rate"`
	ReconDriftUSD    float64 `json:"recon_drift_usd"`
	OpenOrderBacklog int     `json:"open_order_backlog"`
}

// OverlayInputs are the portfolio-level readings for one evaluation.
type OverlayInputs struct {
	DrawdownPct           float64           `json:"drawdown_pct"`
	ConcentrationPct      float64           `json:"concentration_pct"`
	VolatilityRegimeShift bool              `json:"volatility_regime_shift"`
	CorrelationSpike      bool              `json:"correlation_spike"`
	EventRiskWindow       bool              `json:"event_risk_window"`
	Ops                   OperationalInputs `json:"ops"`
}

// MarketState is the per-symbol market context the overlay inspects.
type MarketState struct {
	Symbol          string    `json:"symbol"`
	VolatilityRatio float64   `json:"volatility_ratio"`
	Returns         []float64 `json:"-"`
}

// OverlayDecision is the portfolio posture applied to subsequent trades.
type OverlayDecision struct {
	Mode                  Mode     `json:"mode"`
	SizeMultiplier        float64  `json:"size_multiplier"`
	StopTightenBps        float64  `json:"stop_tighten_bps"`
	EdgeThresholdBoostBps float64  `json:"edge_threshold_boost_bps"`
	Reasons               []string `json:"reasons"`
}

// NormalPosture is the decision used before the first evaluation.
func NormalPosture() OverlayDecision {
	return OverlayDecision{Mode: ModeNormal, SizeMultiplier: 1, Reasons: []string{"all conditions normal"}}
}

// Overlay evaluates the portfolio thermostat and remembers the latest
// decision for readers.
type Overlay struct {
	cfg OverlayConfig

	mu   sync.RWMutex
	last OverlayDecision
}

func NewOverlay(cfg OverlayConfig) *Overlay {
	return &Overlay{cfg: cfg, last: NormalPosture()}
}

// Last returns the most recent decision.
func (o *Overlay) Last() OverlayDecision {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// Evaluate computes the posture. Conditions only ever tighten: the
// multiplier goes down via min, stop and edge adjustments go up via max and
// the mode only escalates.
func (o *Overlay) Evaluate(in OverlayInputs, markets []MarketState) OverlayDecision {
	cfg := o.cfg
	d := OverlayDecision{Mode: ModeNormal, SizeMultiplier: 1}

	apply := func(mode Mode, mult float64, reason string) {
		if mode.Severity() > d.Mode.Severity() {
			d.Mode = mode
		}
		d.SizeMultiplier = math.Min(d.SizeMultiplier, mult)
		stop, edge := cfg.tierAdjustments(mode)
		d.StopTightenBps = math.Max(d.StopTightenBps, stop)
		d.EdgeThresholdBoostBps = math.Max(d.EdgeThresholdBoostBps, edge)
		d.Reasons = append(d.Reasons, reason)
	}

	switch dd := in.DrawdownPct; {
	case cfg.DrawdownFlattenPct > 0 && dd >= cfg.DrawdownFlattenPct:
		apply(ModeFlattenOnly, 0, fmt.Sprintf("drawdown %.2f%% >= flatten %.2f%%", dd, cfg.DrawdownFlattenPct))
	case cfg.DrawdownHaltPct > 0 && dd >= cfg.DrawdownHaltPct:
		apply(ModeNoNewEntries, 0, fmt.Sprintf("drawdown %.2f%% >= halt %.2f%%", dd, cfg.DrawdownHaltPct))
	case cfg.DrawdownReducePct > 0 && dd >= cfg.DrawdownReducePct:
		apply(ModeReduced, cfg.DrawdownMultiplier, fmt.Sprintf("drawdown %.2f%% >= reduce %.2f%%", dd, cfg.DrawdownReducePct))
	}

	if cfg.MaxConcentrationPct > 0 && in.ConcentrationPct >= cfg.MaxConcentrationPct {
		apply(ModeReduced, cfg.ConcentrationMultiplier, fmt.Sprintf("concentration %.1f%% >= %.1f%%", in.ConcentrationPct, cfg.MaxConcentrationPct))
	}

	if in.VolatilityRegimeShift {
		apply(ModeReduced, cfg.VolatilityMultiplier, "volatility regime shift")
	} else if sym, ratio, ok := cfg.volShift(markets); ok {
		apply(ModeReduced, cfg.VolatilityMultiplier, fmt.Sprintf("volatility regime shift on %s (ATR ratio %.2f)", sym, ratio))
	}

	if in.CorrelationSpike {
		apply(ModeReduced, cfg.CorrelationMultiplier, "correlation spike")
	} else if corr, ok := cfg.correlationSpike(markets); ok {
		apply(ModeReduced, cfg.CorrelationMultiplier, fmt.Sprintf("correlation spike (mean %.2f)", corr))
	}

	if in.EventRiskWindow {
		apply(ModeReduced, cfg.EventMultiplier, "event risk window")
	}

	if cfg.MaxAPIErrorRate > 0 && in.Ops.APIErrorRate > cfg.MaxAPIErrorRate {
		apply(ModeNoNewEntries, 0, fmt.Sprintf("api error rate %.1f%% > %.1f%%", in.Ops.APIErrorRate*100, cfg.MaxAPIErrorRate*100))
	}
	if cfg.MaxReconDriftUSD > 0 && in.Ops.ReconDriftUSD > cfg.MaxReconDriftUSD {
		apply(ModeNoNewEntries, 0, fmt.Sprintf("reconciliation drift $%.2f > $%.2f", in.Ops.ReconDriftUSD, cfg.MaxReconDriftUSD))
	}
	if cfg.MaxOpenOrderBacklog > 0 && in.Ops.OpenOrderBacklog > cfg.MaxOpenOrderBacklog {
		apply(ModeReduced, cfg.BacklogMultiplier, fmt.Sprintf("open order backlog %d > %d", in.Ops.OpenOrderBacklog, cfg.MaxOpenOrderBacklog))
	}

	if len(d.Reasons) == 0 {
		d.Reasons = []string{"all conditions normal"}
	}

	o.mu.Lock()
	o.last = d
	o.mu.Unlock()
	return d
}

func (c OverlayConfig) tierAdjustments(m Mode) (stopBps, edgeBps float64) {
	switch m {
	case ModeReduced:
		return c.ReducedStopTightenBps, c.ReducedEdgeBoostBps
	case ModeNoNewEntries:
		return c.NoEntriesStopTightenBps, c.NoEntriesEdgeBoostBps
	case ModeFlattenOnly:
		return c.FlattenStopTightenBps, c.FlattenEdgeBoostBps
	}
	return 0, 0
}

func (c OverlayConfig) volShift(markets []MarketState) (string, float64, bool) {
	if c.VolShiftRatio <= 0 {
		return "", 0, false
	}
	for _, m := range markets {
		if m.VolatilityRatio >= c.VolShiftRatio {
			return m.Symbol, m.VolatilityRatio, true
		}
	}
	return "", 0, false
}

// correlationSpike averages pairwise return correlation across markets.
func (c OverlayConfig) correlationSpike(markets []MarketState) (float64, bool) {
	if c.CorrelationSpike <= 0 {
		return 0, false
	}
	sum, pairs := 0.0, 0
	for i := 0; i < len(markets); i++ {
		for j := i + 1; j < len(markets); j++ {
			if len(markets[i].Returns) < 2 || len(markets[j].Returns) < 2 {
				continue
			}
			sum += indicators.Correlation(markets[i].Returns, markets[j].Returns)
			pairs++
		}
	}
	if pairs == 0 {
		return 0, false
	}
	mean := sum / float64(pairs)
	return mean, mean >= c.CorrelationSpike
}

// ApplyOverlay folds the posture into a risk decision: entries are refused
// in blocking modes and BUY sizes are scaled by the multiplier.
func ApplyOverlay(dec Decision, action strategy.Action, ov OverlayDecision) Decision {
	if !dec.Allowed || action != strategy.ActionBuy {
		return dec
	}
	if ov.Mode.BlocksEntries() {
		return block(GateRiskOverlay, "overlay mode %s blocks new entries", ov.Mode)
	}
	if ov.SizeMultiplier < 1 {
		dec.PositionSizeUSD *= ov.SizeMultiplier
		dec.Reason = fmt.Sprintf("%s, overlay %s x%.2f", dec.Reason, ov.Mode, ov.SizeMultiplier)
	}
	return dec
}
