package risk

import (
	"fmt"
	"sync"
)

// Exit kinds reported by StopLossManager.
const (
	ExitStopLoss   = "stop_loss"
	ExitTakeProfit = "take_profit"
)

// StopLossManager tracks protective exit levels per symbol and reports when
// a price crosses them.
type StopLossManager struct {
	positions map[string]*StopLossPosition
	mu        sync.RWMutex
}

// StopLossPosition tracks stop loss for a position.
type StopLossPosition struct {
	PositionID     string
	Symbol         string
	Side           string // LONG or SHORT
	EntryPrice     float64
	CurrentPrice   float64
	StopLoss       float64
	TakeProfit     float64
	TrailingStop   bool
	TrailingOffset float64 // fraction of price
	HighWaterMark  float64
}

// StopLossDecision is a triggered exit.
type StopLossDecision struct {
	PositionID string
	Symbol     string
	Kind       string
	Reason     string
	Price      float64
}

// NewStopLossManager creates a new stop loss manager
func NewStopLossManager() *StopLossManager {
	return &StopLossManager{
		positions: make(map[string]*StopLossPosition),
	}
}

// Levels derives stop and target prices for a fresh entry from cfg.
func Levels(cfg Config, side string, entry float64) (stop, target float64) {
	if side == "SHORT" {
		return entry * (1 + cfg.DefaultStopLossPct), entry * (1 - cfg.DefaultTakeProfitPct)
	}
	return entry * (1 - cfg.DefaultStopLossPct), entry * (1 + cfg.DefaultTakeProfitPct)
}

// AddPosition starts tracking pos, replacing any previous entry for its symbol.
func (m *StopLossManager) AddPosition(pos StopLossPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos.HighWaterMark = pos.EntryPrice
	m.positions[pos.Symbol] = &pos
}

// UpdatePrice marks symbol at price and checks its exits. tightenBps moves
// the effective stop toward the price without changing the stored level.
func (m *StopLossManager) UpdatePrice(symbol string, price, tightenBps float64) *StopLossDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, exists := m.positions[symbol]
	if !exists || price <= 0 {
		return nil
	}

	pos.CurrentPrice = price
	if pos.TrailingStop {
		m.updateTrailingStop(pos)
	}

	if stop := effectiveStop(pos, tightenBps); stop > 0 && m.isStopLossTriggered(pos, stop) {
		return &StopLossDecision{
			PositionID: pos.PositionID,
			Symbol:     symbol,
			Kind:       ExitStopLoss,
			Reason:     fmt.Sprintf("stop loss %.4f hit at %.4f", stop, price),
			Price:      price,
		}
	}

	if pos.TakeProfit > 0 && m.isTakeProfitTriggered(pos) {
		return &StopLossDecision{
			PositionID: pos.PositionID,
			Symbol:     symbol,
			Kind:       ExitTakeProfit,
			Reason:     fmt.Sprintf("take profit %.4f hit at %.4f", pos.TakeProfit, price),
			Price:      price,
		}
	}

	return nil
}

func effectiveStop(pos *StopLossPosition, tightenBps float64) float64 {
	if pos.StopLoss <= 0 || tightenBps <= 0 {
		return pos.StopLoss
	}
	if pos.Side == "SHORT" {
		return pos.StopLoss * (1 - tightenBps/1e4)
	}
	return pos.StopLoss * (1 + tightenBps/1e4)
}

func (m *StopLossManager) updateTrailingStop(pos *StopLossPosition) {
	if pos.Side == "SHORT" {
		if pos.CurrentPrice < pos.HighWaterMark {
			pos.HighWaterMark = pos.CurrentPrice
			if trail := pos.HighWaterMark * (1 + pos.TrailingOffset); trail < pos.StopLoss || pos.StopLoss == 0 {
				pos.StopLoss = trail
			}
		}
		return
	}
	if pos.CurrentPrice > pos.HighWaterMark {
		pos.HighWaterMark = pos.CurrentPrice
		if trail := pos.HighWaterMark * (1 - pos.TrailingOffset); trail > pos.StopLoss {
			pos.StopLoss = trail
		}
	}
}

func (m *StopLossManager) isStopLossTriggered(pos *StopLossPosition, stop float64) bool {
	if pos.Side == "SHORT" {
		return pos.CurrentPrice >= stop
	}
	return pos.CurrentPrice <= stop
}

func (m *StopLossManager) isTakeProfitTriggered(pos *StopLossPosition) bool {
	if pos.Side == "SHORT" {
		return pos.CurrentPrice <= pos.TakeProfit
	}
	return pos.CurrentPrice >= pos.TakeProfit
}

// RemovePosition removes a position from tracking
func (m *StopLossManager) RemovePosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

// GetPosition returns a copy of the tracked levels for symbol.
func (m *StopLossManager) GetPosition(symbol string) (StopLossPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	if !ok {
		return StopLossPosition{}, false
	}
	return *p, true
}

// GetAllPositions returns all tracked positions.
func (m *StopLossManager) GetAllPositions() map[string]StopLossPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]StopLossPosition, len(m.positions))
	for k, v := range m.positions {
		if v != nil {
			result[k] = *v
		}
	}
	return result
}
