// Package engine runs the trading cycle and exposes a read-only view of the
// engine state to the control layer.
package engine

import (
	"context"
	"sort"
	"time"

	"tradeguard/internal/inventory"
	"tradeguard/internal/reconciliation"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"
)

// Service is what the API layer may read. It never mutates trading state.
type Service interface {
	Positions(ctx context.Context) []PositionView
	Inventory(ctx context.Context) inventory.State
	Reconciliation(ctx context.Context) *reconciliation.Result
	Breakers(ctx context.Context) []resilience.BreakerState
	Overlay(ctx context.Context) risk.OverlayDecision
	LastCycle(ctx context.Context) *CycleReport
	Status(ctx context.Context) SystemStatus
}

var _ Service = (*Engine)(nil)

func (e *Engine) Positions(context.Context) []PositionView {
	prices := e.d.Market.Prices()
	active := e.d.Positions.Active()
	out := make([]PositionView, 0, len(active))
	for _, p := range active {
		v := PositionView{ManagedPosition: p, CurrentPrice: prices[p.Symbol]}
		if v.CurrentPrice > 0 && p.Quantity > 0 {
			op := risk.OpenPosition{Side: string(p.Side), Quantity: p.Quantity, EntryPrice: p.EntryPrice, CurrentPrice: v.CurrentPrice}
			v.UnrealizedPnL = op.UnrealizedPnL()
		}
		if sl, ok := e.d.Orders.Stops().GetPosition(p.Symbol); ok && sl.PositionID == p.ID {
			v.Protection = &sl
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (e *Engine) Inventory(context.Context) inventory.State {
	return e.d.Inventory.State()
}

// Reconciliation returns the last pass, or nil before the first one.
func (e *Engine) Reconciliation(context.Context) *reconciliation.Result {
	if e.d.Reconciler == nil {
		return nil
	}
	res, ok := e.d.Reconciler.Last()
	if !ok {
		return nil
	}
	return &res
}

func (e *Engine) Breakers(context.Context) []resilience.BreakerState {
	if e.d.Breakers == nil {
		return nil
	}
	return e.d.Breakers.States()
}

func (e *Engine) Overlay(context.Context) risk.OverlayDecision {
	return e.d.Overlay.Last()
}

// LastCycle returns the most recent cycle report, or nil.
func (e *Engine) LastCycle(context.Context) *CycleReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return nil
	}
	rep := *e.last
	return &rep
}

func (e *Engine) Status(ctx context.Context) SystemStatus {
	cfg := e.d.Risk.Config()
	st := e.d.Meta
	st.Symbols = append([]string(nil), e.d.Symbols...)
	st.KillSwitch = cfg.KillSwitch
	st.LiveTrading = cfg.LiveTradingEnabled
	st.OverlayMode = e.d.Overlay.Last().Mode
	st.OrdersInFlight = e.d.Orders.InFlight()
	st.Cycles = e.cycles.Load()
	if last := e.LastCycle(ctx); last != nil {
		at := last.StartedAt
		st.LastCycleAt = &at
	}
	st.ServerTime = time.Now().UTC()
	return st
}
