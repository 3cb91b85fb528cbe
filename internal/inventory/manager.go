package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tradeguard/pkg/exchanges/common"
)

// Manager is the in-process ledger of cash and per-symbol available and
// reserved quantities. Amounts are kept as decimals so a reserve followed by
// a release of the same quantity restores the ledger exactly.
type Manager struct {
	cfg          Config
	cash         decimal.Decimal
	available    map[string]decimal.Decimal
	reserved     map[string]decimal.Decimal
	positions    map[string]*holding
	reservations map[string]reservation // by order id
	lastDrift    float64
	syncedAt     time.Time
	mu           sync.RWMutex
}

type holding struct {
	asset    string
	qty      decimal.Decimal
	avgPrice decimal.Decimal
}

type reservation struct {
	symbol string
	qty    decimal.Decimal
}

// snapshot is the venue-derived ledger built during hydrate.
type snapshot struct {
	cash      decimal.Decimal
	available map[string]decimal.Decimal
	reserved  map[string]decimal.Decimal
	totals    map[string]decimal.Decimal
}

// NewManager creates an empty ledger.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:          cfg,
		available:    make(map[string]decimal.Decimal),
		reserved:     make(map[string]decimal.Decimal),
		positions:    make(map[string]*holding),
		reservations: make(map[string]reservation),
	}
}

// HydrateFromExchange seeds the ledger from venue balances and open orders.
func (m *Manager) HydrateFromExchange(ctx context.Context, ex common.Exchange, symbols []string) error {
	snap, err := fetchSnapshot(ctx, ex, symbols)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(snap)
	log.Info().Str("cash_usd", snap.cash.StringFixed(2)).Int("symbols", len(symbols)).Msg("inventory hydrated")
	return nil
}

func fetchSnapshot(ctx context.Context, ex common.Exchange, symbols []string) (snapshot, error) {
	balances, err := ex.GetBalances(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("get balances: %w", err)
	}
	byAsset := make(map[string]common.Balance, len(balances))
	snap := snapshot{
		cash:      decimal.Zero,
		available: make(map[string]decimal.Decimal, len(symbols)),
		reserved:  make(map[string]decimal.Decimal, len(symbols)),
		totals:    make(map[string]decimal.Decimal, len(symbols)),
	}
	for _, b := range balances {
		byAsset[b.Asset] = b
		if common.IsUSDEquivalent(b.Asset) {
			snap.cash = snap.cash.Add(decimal.NewFromFloat(b.Free))
		}
	}

	for _, sym := range symbols {
		orders, err := ex.ListOpenOrders(ctx, sym)
		if err != nil {
			return snapshot{}, fmt.Errorf("list open orders %s: %w", sym, err)
		}
		openSell := decimal.Zero
		for _, o := range orders {
			if o.Side == common.SideSell {
				openSell = openSell.Add(decimal.NewFromFloat(o.Remaining()))
			}
		}
		bal := byAsset[common.BaseAsset(sym)]
		free := decimal.NewFromFloat(bal.Free)
		locked := decimal.NewFromFloat(bal.Locked)

		avail := free.Sub(openSell)
		if avail.IsNegative() {
			avail = decimal.Zero
		}
		snap.available[sym] = avail
		snap.reserved[sym] = locked.Add(openSell)
		snap.totals[sym] = free.Add(locked)
	}
	return snap, nil
}

// applyLocked overwrites the ledger with snap, keeping known entry prices.
func (m *Manager) applyLocked(snap snapshot) {
	m.cash = snap.cash
	m.available = snap.available
	m.reserved = snap.reserved
	m.reservations = make(map[string]reservation)

	positions := make(map[string]*holding, len(snap.totals))
	for sym, total := range snap.totals {
		if total.IsZero() {
			continue
		}
		h := &holding{asset: common.BaseAsset(sym), qty: total, avgPrice: decimal.Zero}
		if prev, ok := m.positions[sym]; ok {
			h.avgPrice = prev.avgPrice
		}
		positions[sym] = h
	}
	m.positions = positions
	m.syncedAt = time.Now().UTC()
}

// CanSell checks qty against the available quantity of symbol.
func (m *Manager) CanSell(symbol string, qty float64) SellCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avail, ok := m.available[symbol]
	if !ok {
		return SellCheck{Allowed: false, Reason: fmt.Sprintf("%s: %s", ErrUnknownSymbol, symbol)}
	}
	if decimal.NewFromFloat(qty).GreaterThan(avail) {
		return SellCheck{
			Allowed:   false,
			Reason:    fmt.Sprintf("%s: requested %v, available %s", ErrInsufficientInventory, qty, avail.String()),
			Available: avail.InexactFloat64(),
		}
	}
	return SellCheck{Allowed: true, Available: avail.InexactFloat64()}
}

// ClampSellQty returns min(desired, available - dust buffer), floored at 0.
func (m *Manager) ClampSellQty(symbol string, desiredQty float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := m.available[symbol].Sub(decimal.NewFromFloat(m.cfg.DustBuffer))
	q := decimal.Min(decimal.NewFromFloat(desiredQty), limit)
	if q.IsNegative() {
		return 0
	}
	return q.InexactFloat64()
}

// Reserve moves qty of symbol from available to reserved for orderID.
func (m *Manager) Reserve(symbol string, qty float64, orderID string) error {
	if qty <= 0 {
		return fmt.Errorf("reserve %s %v: %w", symbol, qty, ErrInvalidQuantity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	avail, ok := m.available[symbol]
	if !ok {
		return fmt.Errorf("reserve %s: %w", symbol, ErrUnknownSymbol)
	}
	q := decimal.NewFromFloat(qty)
	if q.GreaterThan(avail) {
		return fmt.Errorf("reserve %s %s > %s: %w", symbol, q, avail, ErrInsufficientInventory)
	}
	m.available[symbol] = avail.Sub(q)
	m.reserved[symbol] = m.reserved[symbol].Add(q)

	r := m.reservations[orderID]
	r.symbol = symbol
	r.qty = r.qty.Add(q)
	m.reservations[orderID] = r

	log.Debug().Str("symbol", symbol).Str("order_id", orderID).Str("qty", q.String()).Msg("inventory reserved")
	return nil
}

// ReleaseReservation returns up to qty of symbol from reserved to available
// and reports how much was actually released.
func (m *Manager) ReleaseReservation(symbol string, qty float64, orderID string) float64 {
	if qty <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reserved[symbol]
	if !ok {
		return 0
	}
	q := decimal.Min(decimal.NewFromFloat(qty), res)
	m.reserved[symbol] = res.Sub(q)
	m.available[symbol] = m.available[symbol].Add(q)
	m.retireReservationLocked(orderID, q)
	return q.InexactFloat64()
}

func (m *Manager) retireReservationLocked(orderID string, q decimal.Decimal) {
	r, ok := m.reservations[orderID]
	if !ok {
		return
	}
	r.qty = r.qty.Sub(q)
	if !r.qty.IsPositive() {
		delete(m.reservations, orderID)
		return
	}
	m.reservations[orderID] = r
}

// ReservedFor returns the outstanding reservation held by orderID.
func (m *Manager) ReservedFor(orderID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reservations[orderID].qty.InexactFloat64()
}

// ConfirmFill applies a venue-confirmed fill. Cash moves by exactly
// notional plus fee on buys and notional minus fee on sells. fee is the
// quote value of all commission; the part a buy paid as BaseFee comes off
// the credited quantity instead of cash.
func (m *Manager) ConfirmFill(order FilledOrder, fillPrice, fee float64) (FillResult, error) {
	if order.FilledQty <= 0 || fillPrice <= 0 || fee < 0 || order.BaseFee < 0 || order.BaseFee >= order.FilledQty {
		return FillResult{}, fmt.Errorf("confirm fill %s qty=%v price=%v fee=%v base_fee=%v: %w",
			order.Symbol, order.FilledQty, fillPrice, fee, order.BaseFee, ErrInvalidQuantity)
	}
	qty := decimal.NewFromFloat(order.FilledQty)
	price := decimal.NewFromFloat(fillPrice)
	f := decimal.NewFromFloat(fee)
	notional := qty.Mul(price)

	m.mu.Lock()
	defer m.mu.Unlock()

	var out FillResult
	switch order.Side {
	case common.SideBuy:
		baseFee := decimal.NewFromFloat(order.BaseFee)
		delta := notional.Add(f).Sub(baseFee.Mul(price)).Neg()
		m.cash = m.cash.Add(delta)
		qty = qty.Sub(baseFee)
		m.available[order.Symbol] = m.available[order.Symbol].Add(qty)
		if _, ok := m.reserved[order.Symbol]; !ok {
			m.reserved[order.Symbol] = decimal.Zero
		}
		h, ok := m.positions[order.Symbol]
		if !ok {
			h = &holding{asset: common.BaseAsset(order.Symbol), qty: decimal.Zero, avgPrice: decimal.Zero}
			m.positions[order.Symbol] = h
		}
		newQty := h.qty.Add(qty)
		h.avgPrice = h.qty.Mul(h.avgPrice).Add(notional).Div(newQty)
		h.qty = newQty
		out.CashDelta = delta.InexactFloat64()

	case common.SideSell:
		res := m.reserved[order.Symbol]
		if qty.GreaterThan(res) {
			return FillResult{}, fmt.Errorf("confirm sell %s %s > reserved %s: %w", order.Symbol, qty, res, ErrOversell)
		}
		delta := notional.Sub(f)
		m.cash = m.cash.Add(delta)
		m.reserved[order.Symbol] = res.Sub(qty)
		m.retireReservationLocked(order.ID, qty)
		out.CashDelta = delta.InexactFloat64()

		if h, ok := m.positions[order.Symbol]; ok {
			if h.avgPrice.IsPositive() {
				out.RealizedPnLUSD = price.Sub(h.avgPrice).Mul(qty).Sub(f).InexactFloat64()
			}
			h.qty = h.qty.Sub(qty)
		}
		total := m.available[order.Symbol].Add(m.reserved[order.Symbol])
		if total.LessThanOrEqual(decimal.NewFromFloat(m.cfg.QtyDiffTolerance)) {
			delete(m.positions, order.Symbol)
			out.PositionClosed = true
		}

	default:
		return FillResult{}, fmt.Errorf("confirm fill %s: unknown side %q", order.Symbol, order.Side)
	}

	log.Info().Str("symbol", order.Symbol).Str("side", string(order.Side)).Str("order_id", order.ID).
		Float64("qty", order.FilledQty).Float64("price", fillPrice).Float64("fee", fee).
		Str("cash_usd", m.cash.StringFixed(2)).Msg("fill applied to inventory")
	return out, nil
}

// Resync re-hydrates from the venue, overwriting local state, and reports
// every difference it healed.
func (m *Manager) Resync(ctx context.Context, ex common.Exchange, symbols []string) (ResyncReport, error) {
	snap, err := fetchSnapshot(ctx, ex, symbols)
	if err != nil {
		return ResyncReport{}, fmt.Errorf("resync: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var rep ResyncReport
	cashTol := decimal.NewFromFloat(m.cfg.CashDiffTolerance)
	qtyTol := decimal.NewFromFloat(m.cfg.QtyDiffTolerance)
	drift := decimal.Zero

	if d := snap.cash.Sub(m.cash).Abs(); d.GreaterThanOrEqual(cashTol) && !d.IsZero() {
		rep.Diffs = append(rep.Diffs, fmt.Sprintf("cash: %s -> %s", m.cash.StringFixed(2), snap.cash.StringFixed(2)))
		drift = drift.Add(d)
	}
	for _, sym := range symbols {
		local := m.available[sym].Add(m.reserved[sym])
		venue := snap.available[sym].Add(snap.reserved[sym])
		if d := venue.Sub(local).Abs(); d.GreaterThan(qtyTol) {
			rep.Diffs = append(rep.Diffs, fmt.Sprintf("%s qty: %s -> %s", sym, local, venue))
			if h, ok := m.positions[sym]; ok {
				drift = drift.Add(d.Mul(h.avgPrice))
			}
		}
		if d := snap.available[sym].Sub(m.available[sym]).Abs(); d.GreaterThan(qtyTol) {
			rep.Diffs = append(rep.Diffs, fmt.Sprintf("%s available: %s -> %s", sym, m.available[sym], snap.available[sym]))
		}
	}
	rep.DriftUSD = drift.InexactFloat64()

	m.applyLocked(snap)
	m.lastDrift = rep.DriftUSD

	if len(rep.Diffs) > 0 {
		log.Warn().Strs("diffs", rep.Diffs).Float64("drift_usd", rep.DriftUSD).Msg("inventory resync healed drift")
	}
	return rep, nil
}

// LastDriftUSD returns the dollar drift healed by the most recent resync.
func (m *Manager) LastDriftUSD() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastDrift
}

// Cash returns the USD-equivalent cash balance.
func (m *Manager) Cash() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cash.InexactFloat64()
}

// Available returns the free quantity of symbol.
func (m *Manager) Available(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available[symbol].InexactFloat64()
}

// Reserved returns the reserved quantity of symbol.
func (m *Manager) Reserved(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reserved[symbol].InexactFloat64()
}

// Holding returns the position record for symbol, if any.
func (m *Manager) Holding(symbol string) (Holding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.positions[symbol]
	if !ok {
		return Holding{}, false
	}
	return toHolding(symbol, h), true
}

// State returns a copy of the ledger.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := State{
		CashUSD:   m.cash.InexactFloat64(),
		Available: make(map[string]float64, len(m.available)),
		Reserved:  make(map[string]float64, len(m.reserved)),
		Positions: make([]Holding, 0, len(m.positions)),
		SyncedAt:  m.syncedAt,
	}
	for s, q := range m.available {
		st.Available[s] = q.InexactFloat64()
	}
	for s, q := range m.reserved {
		st.Reserved[s] = q.InexactFloat64()
	}
	for s, h := range m.positions {
		st.Positions = append(st.Positions, toHolding(s, h))
	}
	sort.Slice(st.Positions, func(i, j int) bool { return st.Positions[i].Symbol < st.Positions[j].Symbol })
	return st
}

func toHolding(symbol string, h *holding) Holding {
	return Holding{
		Symbol:        symbol,
		Asset:         h.asset,
		Quantity:      h.qty.InexactFloat64(),
		AvgEntryPrice: h.avgPrice.InexactFloat64(),
	}
}
