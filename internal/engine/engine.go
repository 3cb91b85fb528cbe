package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tradeguard/internal/events"
	"tradeguard/internal/gatekeeper"
	"tradeguard/internal/indicators"
	"tradeguard/internal/inventory"
	"tradeguard/internal/market"
	"tradeguard/internal/monitor"
	"tradeguard/internal/order"
	"tradeguard/internal/position"
	"tradeguard/internal/reconciliation"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"
	"tradeguard/internal/strategy"
	"tradeguard/pkg/exchanges/common"
)

// Components named in block events and metrics.
const (
	ComponentRisk       = "risk"
	ComponentOverlay    = "overlay"
	ComponentGatekeeper = "gatekeeper"
	ComponentOrder      = "order"
)

// Deps are the collaborators of an Engine. Reconciler, Breakers, Health and
// Bus are optional.
type Deps struct {
	Symbols    []string
	Market     *market.Cache
	Strategy   strategy.Source
	Risk       *risk.Engine
	Overlay    *risk.Overlay
	Gatekeeper *gatekeeper.Gatekeeper
	Orders     *order.Manager
	Inventory  *inventory.Manager
	Positions  *position.Machine
	PnL        *risk.PnLTracker
	Reconciler *reconciliation.Reconciler
	Breakers   *resilience.Registry
	Health     *monitor.Health
	Bus        *events.Bus
	Leverage   float64
	Meta       SystemStatus
	Now        func() time.Time
}

// Engine runs the admission pipeline for every symbol once per cycle:
// signal, risk gates, overlay posture, sell discipline, then execution.
type Engine struct {
	d Deps

	run    sync.Mutex
	mu     sync.RWMutex
	last   *CycleReport
	cycles atomic.Int64
}

// New validates deps and builds an Engine.
func New(d Deps) (*Engine, error) {
	if d.Market == nil || d.Strategy == nil || d.Risk == nil || d.Overlay == nil ||
		d.Gatekeeper == nil || d.Orders == nil || d.Inventory == nil || d.Positions == nil || d.PnL == nil {
		return nil, errors.New("engine: missing required dependency")
	}
	if d.Leverage <= 0 {
		d.Leverage = 1
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Meta.StartedAt.IsZero() {
		d.Meta.StartedAt = d.Now()
	}
	return &Engine{d: d}, nil
}

// Cycle evaluates every symbol sequentially. Gate refusals are not errors;
// order failures are joined into the returned error.
func (e *Engine) Cycle(ctx context.Context) (CycleReport, error) {
	e.run.Lock()
	defer e.run.Unlock()

	start := e.d.Now()
	rep := CycleReport{StartedAt: start}

	snap := e.snapshot()
	rep.EquityUSD = snap.EquityUSD()
	rep.DrawdownPct = e.d.PnL.ObserveEquity(ctx, rep.EquityUSD)

	prev := e.d.Overlay.Last()
	ov := e.d.Overlay.Evaluate(e.overlayInputs(snap, rep.DrawdownPct, start), e.marketStates())
	rep.Overlay = ov
	if ov.Mode != prev.Mode {
		log.Info().Str("from", string(prev.Mode)).Str("to", string(ov.Mode)).Strs("reasons", ov.Reasons).Msg("overlay mode changed")
		e.publish(events.EventOverlayChanged, ov)
	}
	e.d.Gatekeeper.SetEdgeBoost(ov.EdgeThresholdBoostBps)

	var errs []error
	for _, sym := range e.d.Symbols {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		in, err := e.processSymbol(ctx, sym, snap, ov, start)
		if in.Symbol != "" {
			rep.Intents = append(rep.Intents, in)
		}
		if err != nil {
			errs = append(errs, err)
		}
		if in.Executed {
			snap = e.snapshot()
		}
	}

	rep.Duration = e.d.Now().Sub(start)
	e.observe(snap, rep)
	e.mu.Lock()
	e.last = &rep
	e.mu.Unlock()
	e.cycles.Add(1)
	return rep, errors.Join(errs...)
}

func (e *Engine) processSymbol(ctx context.Context, sym string, snap risk.AccountSnapshot, ov risk.OverlayDecision, now time.Time) (Intent, error) {
	md, ok := e.d.Market.Get(sym)
	if !ok {
		log.Debug().Str("symbol", sym).Msg("no market data yet")
		return Intent{}, nil
	}
	tk := md.Ticker

	if exit := e.d.Orders.Stops().UpdatePrice(sym, exitPrice(tk), ov.StopTightenBps); exit != nil {
		e.publish(events.EventStopTriggered, *exit)
		kind := order.ExitStopLoss
		if exit.Kind == risk.ExitTakeProfit {
			kind = order.ExitTakeProfit
		}
		return e.exit(ctx, sym, kind, exit.Reason)
	}

	_, held := snap.Position(sym)
	if ov.Mode == risk.ModeFlattenOnly && held {
		return e.exit(ctx, sym, order.ExitFlatten, "overlay flatten_only")
	}

	sig := e.d.Strategy.Evaluate(sym, md.Candles)
	if sig.Action == strategy.ActionHold || sig.Action == "" {
		return Intent{}, nil
	}
	in := Intent{Symbol: sym, Action: string(sig.Action), Reason: sig.Reason}
	e.publish(events.EventSignal, map[string]any{"symbol": sym, "signal": sig})

	dec := e.d.Risk.Evaluate(sig, sym, snap, tk, now.UnixMilli(), md.Candles, e.d.Leverage)
	component := ComponentRisk
	if dec.Allowed {
		dec = risk.ApplyOverlay(dec, sig.Action, ov)
		component = ComponentOverlay
	}
	if !dec.Allowed {
		return e.blocked(in, component, dec.BlockedBy, dec.Reason), nil
	}
	in.SizeUSD = dec.PositionSizeUSD

	if sig.Action == strategy.ActionBuy {
		out, err := e.d.Orders.Buy(ctx, sym, dec.PositionSizeUSD, sig.Reason)
		return e.executed(in, out, err)
	}

	pos, _ := snap.Position(sym)
	gk := e.d.Gatekeeper.Evaluate(sig, sym, exitPrice(tk), pos.Quantity, md.Candles, now)
	if !gk.Allowed {
		return e.blocked(in, ComponentGatekeeper, gk.Gate, gk.Reason), nil
	}
	out, err := e.d.Orders.Sell(ctx, sym, order.ExitSignal, sig.Reason)
	return e.executed(in, out, err)
}

func (e *Engine) exit(ctx context.Context, sym string, kind order.ExitKind, reason string) (Intent, error) {
	in := Intent{Symbol: sym, Action: string(strategy.ActionSell), Allowed: true, Reason: reason}
	out, err := e.d.Orders.Sell(ctx, sym, kind, reason)
	if errors.Is(err, order.ErrNothingToSell) || errors.Is(err, order.ErrNoManagedPosition) {
		e.d.Orders.Stops().RemovePosition(sym)
	}
	return e.executed(in, out, err)
}

func (e *Engine) executed(in Intent, out order.Outcome, err error) (Intent, error) {
	if err != nil {
		in.Error = err.Error()
		if errors.Is(err, order.ErrSymbolBusy) {
			return e.blocked(in, ComponentOrder, "symbol_busy", err.Error()), nil
		}
		return in, fmt.Errorf("%s %s: %w", in.Action, in.Symbol, err)
	}
	in.Allowed = true
	in.Executed = true
	log.Info().Str("symbol", in.Symbol).Str("action", in.Action).Str("client_id", out.ClientID).
		Float64("qty", out.Order.ExecutedQty).Float64("price", out.Order.AvgPrice).Str("reason", in.Reason).Msg("intent executed")
	return in, nil
}

func (e *Engine) blocked(in Intent, component, gate, reason string) Intent {
	in.Allowed = false
	in.Component = component
	in.Gate = gate
	in.Reason = reason
	log.Info().Str("symbol", in.Symbol).Str("action", in.Action).Str("component", component).Str("gate", gate).Str("reason", reason).Msg("intent blocked")
	if e.d.Health != nil {
		e.d.Health.ObserveBlock(component, gate)
	}
	e.publish(events.EventRiskBlocked, events.Blocked{Symbol: in.Symbol, Action: in.Action, Component: component, Gate: gate, Reason: reason})
	return in
}

// snapshot builds the account view from managed positions, the ledger and
// the PnL tracker.
func (e *Engine) snapshot() risk.AccountSnapshot {
	snap := risk.AccountSnapshot{
		CashUSD:               e.d.Inventory.Cash(),
		RealizedPnLUSD:        e.d.PnL.Realized(),
		LastStopOutAtBySymbol: e.d.Orders.StopOuts(),
	}
	prices := e.d.Market.Prices()
	for _, p := range e.d.Positions.Active() {
		switch p.State {
		case position.StateFilled, position.StateManaging, position.StatePendingExit:
		default:
			continue
		}
		op := risk.OpenPosition{
			Symbol:       p.Symbol,
			Side:         string(p.Side),
			Quantity:     p.Quantity,
			EntryPrice:   p.EntryPrice,
			CurrentPrice: prices[p.Symbol],
		}
		snap.UnrealizedPnLUSD += op.UnrealizedPnL()
		snap.OpenPositions = append(snap.OpenPositions, op)
	}
	return snap
}

func (e *Engine) overlayInputs(snap risk.AccountSnapshot, drawdownPct float64, now time.Time) risk.OverlayInputs {
	in := risk.OverlayInputs{DrawdownPct: drawdownPct}
	if equity := snap.EquityUSD(); equity > 0 {
		largest := 0.0
		for _, p := range snap.OpenPositions {
			largest = math.Max(largest, p.Notional())
		}
		in.ConcentrationPct = largest / equity * 100
	}
	for _, w := range e.d.Risk.Config().Lockouts {
		if w.Contains(now) {
			in.EventRiskWindow = true
			break
		}
	}
	if e.d.Health != nil {
		in.Ops.APIErrorRate = e.d.Health.APIErrorRate()
	}
	if e.d.Reconciler != nil {
		in.Ops.ReconDriftUSD = e.d.Reconciler.DriftUSD()
	}
	in.Ops.OpenOrderBacklog = e.d.Orders.InFlight()
	return in
}

func (e *Engine) marketStates() []risk.MarketState {
	lookback := e.d.Risk.Config().VolatilityLookback
	out := make([]risk.MarketState, 0, len(e.d.Symbols))
	for _, sym := range e.d.Symbols {
		md, ok := e.d.Market.Get(sym)
		if !ok || len(md.Candles) == 0 {
			continue
		}
		st := risk.MarketState{Symbol: sym, Returns: indicators.Returns(indicators.Closes(md.Candles))}
		if ratio, ok := risk.VolatilityRatio(md.Candles, lookback); ok {
			st.VolatilityRatio = ratio
		}
		out = append(out, st)
	}
	return out
}

func (e *Engine) observe(snap risk.AccountSnapshot, rep CycleReport) {
	if e.d.Health == nil {
		return
	}
	e.d.Health.ObserveCycle(rep.Duration)
	e.d.Health.ObserveOverlay(rep.Overlay.Mode)
	e.d.Health.ObserveAccount(snap.CashUSD, snap.EquityUSD(), rep.DrawdownPct, e.d.Orders.InFlight())
	if e.d.Breakers != nil {
		e.d.Health.ObserveBreakers(e.d.Breakers.States())
	}
}

// DailyReset rolls the PnL day.
func (e *Engine) DailyReset(context.Context) error {
	e.d.PnL.ResetDaily()
	log.Info().Float64("realized_pnl", e.d.PnL.Realized()).Msg("daily reset checked")
	return nil
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.d.Bus != nil {
		e.d.Bus.Publish(ev, payload)
	}
}

// exitPrice is the price a market sell would cross at.
func exitPrice(tk common.Ticker) float64 {
	if tk.Bid > 0 {
		return tk.Bid
	}
	return tk.Last
}
