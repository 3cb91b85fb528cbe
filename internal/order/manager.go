package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradeguard/internal/events"
	"tradeguard/internal/gatekeeper"
	"tradeguard/internal/inventory"
	"tradeguard/internal/position"
	"tradeguard/internal/risk"
	"tradeguard/pkg/db"
	"tradeguard/pkg/exchanges/common"
)

// Manager turns admitted intents into venue orders and keeps the ledger,
// the position lifecycle and the journal in step with each fill.
type Manager struct {
	ex      common.Exchange
	inv     *inventory.Manager
	fsm     *position.Machine
	journal Journal
	gk      *gatekeeper.Gatekeeper
	stops   *risk.StopLossManager
	pnl     *risk.PnLTracker
	riskCfg func() risk.Config

	stopOutStore StopOutStore
	bus          *events.Bus
	now          func() time.Time

	guard *symbolGuard

	mu       sync.RWMutex
	stopOuts map[string]time.Time
}

// Deps bundles the collaborators a Manager drives.
type Deps struct {
	Exchange   common.Exchange
	Inventory  *inventory.Manager
	Positions  *position.Machine
	Journal    Journal
	Gatekeeper *gatekeeper.Gatekeeper
	Stops      *risk.StopLossManager
	PnL        *risk.PnLTracker
	RiskConfig func() risk.Config
	StopOuts   StopOutStore
	Bus        *events.Bus
	Now        func() time.Time
}

// NewManager validates deps and builds a Manager.
func NewManager(d Deps) (*Manager, error) {
	if d.Exchange == nil || d.Inventory == nil || d.Positions == nil {
		return nil, errors.New("order manager: exchange, inventory and positions are required")
	}
	if d.Stops == nil {
		d.Stops = risk.NewStopLossManager()
	}
	if d.RiskConfig == nil {
		d.RiskConfig = risk.DefaultConfig
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Manager{
		ex:           d.Exchange,
		inv:          d.Inventory,
		fsm:          d.Positions,
		journal:      d.Journal,
		gk:           d.Gatekeeper,
		stops:        d.Stops,
		pnl:          d.PnL,
		riskCfg:      d.RiskConfig,
		stopOutStore: d.StopOuts,
		bus:          d.Bus,
		now:          d.Now,
		guard:        newSymbolGuard(),
		stopOuts:     make(map[string]time.Time),
	}, nil
}

// LoadStopOuts restores stop-out times from the store.
func (m *Manager) LoadStopOuts(ctx context.Context) error {
	if m.stopOutStore == nil {
		return nil
	}
	so, err := m.stopOutStore.StopOuts(ctx)
	if err != nil {
		return fmt.Errorf("load stop-outs: %w", err)
	}
	m.mu.Lock()
	for k, v := range so {
		m.stopOuts[k] = v
	}
	m.mu.Unlock()
	return nil
}

// StopOuts returns a copy of the last stop-out time per symbol.
func (m *Manager) StopOuts() map[string]time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.stopOuts))
	for k, v := range m.stopOuts {
		out[k] = v
	}
	return out
}

// InFlight reports the number of symbols with an order in flight.
func (m *Manager) InFlight() int { return m.guard.count() }

// Busy reports whether symbol has an order in flight.
func (m *Manager) Busy(symbol string) bool { return m.guard.busy(symbol) }

// Quiesce runs fn with no order in flight. Reservations and unconfirmed
// fills cannot be overwritten by a ledger resync run inside fn.
func (m *Manager) Quiesce(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	m.guard.exclusive(func() { err = fn(ctx) })
	return err
}

// Stops exposes the protective exit tracker.
func (m *Manager) Stops() *risk.StopLossManager { return m.stops }

// Buy opens a long position worth notionalUSD at market.
func (m *Manager) Buy(ctx context.Context, symbol string, notionalUSD float64, reason string) (Outcome, error) {
	release, err := m.guard.acquire(symbol)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	if notionalUSD <= 0 {
		return Outcome{}, fmt.Errorf("buy %s: notional %v: %w", symbol, notionalUSD, inventory.ErrInvalidQuantity)
	}
	if cash := m.inv.Cash(); notionalUSD > cash {
		return Outcome{}, fmt.Errorf("buy %s $%.2f with $%.2f: %w", symbol, notionalUSD, cash, ErrInsufficientCash)
	}

	pos, err := m.entryPosition(ctx, symbol)
	if err != nil {
		return Outcome{}, err
	}
	if pos, err = m.fsm.Transition(ctx, pos.ID, position.StatePendingEntry, nil); err != nil {
		return Outcome{}, err
	}

	clientID := uuid.NewString()
	out := Outcome{PositionID: pos.ID, ClientID: clientID}
	m.publish(events.EventOrderSubmitted, map[string]any{"symbol": symbol, "side": common.SideBuy, "notional_usd": notionalUSD, "client_id": clientID, "reason": reason})

	res, err := m.ex.PlaceOrder(ctx, common.OrderRequest{
		Symbol:   symbol,
		Side:     common.SideBuy,
		Type:     common.OrderTypeMarket,
		QuoteQty: notionalUSD,
		ClientID: clientID,
	})
	out.Order = res
	if err == nil && res.ExecutedQty <= 0 {
		m.cancelStale(ctx, symbol, res)
		err = fmt.Errorf("buy %s: %w (status %s)", symbol, ErrNotFilled, res.Status)
	}
	if err != nil {
		m.rejected(symbol, common.SideBuy, clientID, err)
		if _, terr := m.fsm.Transition(ctx, pos.ID, position.StateFlat, nil); terr != nil {
			log.Error().Err(terr).Str("position_id", pos.ID).Msg("revert failed entry")
		}
		return out, err
	}

	fill, err := m.inv.ConfirmFill(inventory.FilledOrder{
		ID:        clientID,
		Symbol:    symbol,
		Side:      common.SideBuy,
		FilledQty: res.ExecutedQty,
		BaseFee:   res.BaseFee,
	}, res.AvgPrice, res.Fee)
	if err != nil {
		// The venue filled; the ledger will be healed by the next resync.
		log.Error().Err(err).Str("symbol", symbol).Str("client_id", clientID).Msg("confirm buy fill")
	}
	out.Fill = fill

	cfg := m.riskCfg()
	stop, target := risk.Levels(cfg, string(position.SideLong), res.AvgPrice)
	entry, qty := res.AvgPrice, res.ExecutedQty-res.BaseFee
	if pos, err = m.fsm.Transition(ctx, pos.ID, position.StateFilled, &position.Update{
		EntryPrice: &entry, Quantity: &qty, StopLoss: &stop, TakeProfit: &target,
	}); err != nil {
		return out, fmt.Errorf("buy %s filled but position not updated: %w", symbol, err)
	}
	if pos, err = m.fsm.Transition(ctx, pos.ID, position.StateManaging, nil); err != nil {
		return out, fmt.Errorf("buy %s filled but position not managed: %w", symbol, err)
	}
	m.track(pos, cfg)

	m.record(ctx, res, clientID, 0)
	m.publish(events.EventOrderFilled, out)
	return out, nil
}

// entryPosition reuses a flat position for symbol or creates one.
func (m *Manager) entryPosition(ctx context.Context, symbol string) (position.ManagedPosition, error) {
	if p, ok := m.fsm.BySymbol(symbol); ok {
		if p.State != position.StateFlat {
			return position.ManagedPosition{}, fmt.Errorf("buy %s (%s): %w", symbol, p.State, ErrPositionExists)
		}
		return p, nil
	}
	return m.fsm.Create(ctx, symbol, position.SideLong, 0, 0)
}

// Sell exits the managed position for symbol at market.
func (m *Manager) Sell(ctx context.Context, symbol string, kind ExitKind, reason string) (Outcome, error) {
	release, err := m.guard.acquire(symbol)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	pos, ok := m.fsm.BySymbol(symbol)
	if !ok || (pos.State != position.StateManaging && pos.State != position.StateFilled) {
		return Outcome{}, fmt.Errorf("sell %s: %w", symbol, ErrNoManagedPosition)
	}

	qty := m.inv.ClampSellQty(symbol, pos.Quantity)
	if qty <= 0 {
		return Outcome{}, fmt.Errorf("sell %s: %w", symbol, ErrNothingToSell)
	}

	clientID := uuid.NewString()
	out := Outcome{PositionID: pos.ID, ClientID: clientID}
	if err := m.inv.Reserve(symbol, qty, clientID); err != nil {
		return out, fmt.Errorf("sell %s: %w", symbol, err)
	}
	if pos, err = m.fsm.Transition(ctx, pos.ID, position.StatePendingExit, nil); err != nil {
		m.inv.ReleaseReservation(symbol, qty, clientID)
		return out, err
	}

	m.publish(events.EventOrderSubmitted, map[string]any{"symbol": symbol, "side": common.SideSell, "qty": qty, "client_id": clientID, "kind": kind, "reason": reason})
	res, err := m.ex.PlaceOrder(ctx, common.OrderRequest{
		Symbol:   symbol,
		Side:     common.SideSell,
		Type:     common.OrderTypeMarket,
		Qty:      qty,
		ClientID: clientID,
	})
	out.Order = res
	if err == nil && res.ExecutedQty <= 0 {
		m.cancelStale(ctx, symbol, res)
		err = fmt.Errorf("sell %s: %w (status %s)", symbol, ErrNotFilled, res.Status)
	}
	if err != nil {
		m.rejected(symbol, common.SideSell, clientID, err)
		m.inv.ReleaseReservation(symbol, qty, clientID)
		if _, terr := m.fsm.Transition(ctx, pos.ID, position.StateManaging, nil); terr != nil {
			log.Error().Err(terr).Str("position_id", pos.ID).Msg("revert failed exit")
		}
		return out, err
	}

	filled := math.Min(res.ExecutedQty, qty)
	if unfilled := qty - filled; unfilled > 0 {
		m.inv.ReleaseReservation(symbol, unfilled, clientID)
	}
	fill, err := m.inv.ConfirmFill(inventory.FilledOrder{
		ID:        clientID,
		Symbol:    symbol,
		Side:      common.SideSell,
		FilledQty: filled,
	}, res.AvgPrice, res.Fee)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Str("client_id", clientID).Msg("confirm sell fill")
	}
	out.Fill = fill

	now := m.now()
	if m.pnl != nil {
		if err := m.pnl.Record(ctx, fill.RealizedPnLUSD); err != nil {
			log.Warn().Err(err).Msg("record realized pnl")
		}
	}
	if m.gk != nil {
		m.gk.RecordSell(symbol, res.AvgPrice, now)
	}
	if kind == ExitStopLoss {
		m.recordStopOut(ctx, symbol, now)
	}

	remaining := pos.Quantity - filled
	if remaining < 0 || qty-filled <= 0 {
		remaining = 0
	}
	out.Remaining = remaining
	if remaining == 0 {
		zero := 0.0
		_, err = m.fsm.Transition(ctx, pos.ID, position.StateExited, &position.Update{Quantity: &zero})
		m.stops.RemovePosition(symbol)
	} else {
		_, err = m.fsm.Transition(ctx, pos.ID, position.StateManaging, &position.Update{Quantity: &remaining})
	}
	if err != nil {
		log.Error().Err(err).Str("position_id", pos.ID).Msg("position update after sell")
	}

	m.record(ctx, res, clientID, fill.RealizedPnLUSD)
	m.publish(events.EventOrderFilled, out)
	return out, nil
}

// Adopt puts a venue holding the engine did not open under management.
func (m *Manager) Adopt(ctx context.Context, symbol string, qty, price float64) (position.ManagedPosition, error) {
	release, err := m.guard.acquire(symbol)
	if err != nil {
		return position.ManagedPosition{}, err
	}
	defer release()

	pos, err := m.entryPosition(ctx, symbol)
	if err != nil {
		return position.ManagedPosition{}, err
	}
	cfg := m.riskCfg()
	stop, target := risk.Levels(cfg, string(position.SideLong), price)
	steps := []struct {
		to  position.State
		upd *position.Update
	}{
		{position.StatePendingEntry, nil},
		{position.StateFilled, &position.Update{EntryPrice: &price, Quantity: &qty, StopLoss: &stop, TakeProfit: &target}},
		{position.StateManaging, nil},
	}
	for _, s := range steps {
		if pos, err = m.fsm.Transition(ctx, pos.ID, s.to, s.upd); err != nil {
			return pos, fmt.Errorf("adopt %s: %w", symbol, err)
		}
	}
	m.track(pos, cfg)
	log.Info().Str("symbol", symbol).Float64("qty", qty).Float64("price", price).Msg("adopted venue holding")
	return pos, nil
}

// Recover settles positions left mid-flight by a previous process and
// adopts holdings that have no managed position. prices marks adopted
// holdings.
func (m *Manager) Recover(ctx context.Context, symbols []string, prices map[string]float64) error {
	var errs []error
	for _, p := range m.fsm.Active() {
		held := m.holdsAboveDust(p.Symbol)
		var to position.State
		switch p.State {
		case position.StatePendingEntry:
			to = position.StateFlat
		case position.StatePendingExit:
			to = position.StateManaging
			if !held {
				to = position.StateExited
			}
		case position.StateFilled, position.StateManaging:
			if !held {
				to = position.StateExited
			}
		}
		if to == "" {
			if p.State == position.StateManaging || p.State == position.StateFilled {
				m.track(p, m.riskCfg())
			}
			continue
		}
		np, err := m.fsm.Transition(ctx, p.ID, to, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if to == position.StateManaging {
			m.track(np, m.riskCfg())
		}
	}

	for _, sym := range symbols {
		if !m.holdsAboveDust(sym) {
			continue
		}
		held := m.inv.Available(sym) + m.inv.Reserved(sym)
		if p, ok := m.fsm.BySymbol(sym); ok && p.State != position.StateFlat {
			continue
		}
		price := prices[sym]
		if h, ok := m.inv.Holding(sym); ok && h.AvgEntryPrice > 0 {
			price = h.AvgEntryPrice
		}
		if price <= 0 {
			errs = append(errs, fmt.Errorf("adopt %s: no price", sym))
			continue
		}
		if _, err := m.Adopt(ctx, sym, held, price); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// holdsAboveDust reports whether more than the dust buffer of symbol is held.
func (m *Manager) holdsAboveDust(symbol string) bool {
	return m.inv.ClampSellQty(symbol, math.MaxFloat64) > 0 || m.inv.Reserved(symbol) > 0
}

func (m *Manager) track(p position.ManagedPosition, cfg risk.Config) {
	sl := risk.StopLossPosition{
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		Side:           string(p.Side),
		EntryPrice:     p.EntryPrice,
		TrailingStop:   cfg.UseTrailingStop,
		TrailingOffset: cfg.TrailingPct,
	}
	if p.StopLoss != nil {
		sl.StopLoss = *p.StopLoss
	}
	if p.TakeProfit != nil {
		sl.TakeProfit = *p.TakeProfit
	}
	m.stops.AddPosition(sl)
}

func (m *Manager) recordStopOut(ctx context.Context, symbol string, at time.Time) {
	m.mu.Lock()
	m.stopOuts[symbol] = at
	m.mu.Unlock()
	if m.stopOutStore == nil {
		return
	}
	if err := m.stopOutStore.RecordStopOut(ctx, symbol, at); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("persist stop-out")
	}
}

func (m *Manager) record(ctx context.Context, res common.OrderResult, clientID string, realized float64) {
	if m.journal == nil {
		return
	}
	orderID := res.ExchangeOrderID
	if orderID == "" {
		orderID = clientID
	}
	t := db.Trade{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		ClientOrderID: clientID,
		Symbol:        res.Symbol,
		Side:          string(res.Side),
		Price:         res.AvgPrice,
		Qty:           res.ExecutedQty,
		Fee:           res.Fee,
		RealizedPnL:   realized,
		CreatedAt:     m.now(),
	}
	if err := m.journal.CreateTrade(ctx, t); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("journal trade")
	}
}

func (m *Manager) cancelStale(ctx context.Context, symbol string, res common.OrderResult) {
	if res.ExchangeOrderID == "" || res.Status.Terminal() {
		return
	}
	if err := m.ex.CancelOrder(ctx, symbol, res.ExchangeOrderID); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Str("order_id", res.ExchangeOrderID).Msg("cancel unfilled order")
	}
}

func (m *Manager) rejected(symbol string, side common.Side, clientID string, err error) {
	log.Warn().Err(err).Str("symbol", symbol).Str("side", string(side)).Str("client_id", clientID).Msg("order failed")
	m.publish(events.EventOrderRejected, map[string]any{"symbol": symbol, "side": side, "client_id": clientID, "error": err.Error()})
}

func (m *Manager) publish(e events.Event, payload any) {
	if m.bus != nil {
		m.bus.Publish(e, payload)
	}
}
