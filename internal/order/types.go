package order

import (
	"context"
	"errors"
	"time"

	"tradeguard/internal/inventory"
	"tradeguard/pkg/db"
	"tradeguard/pkg/exchanges/common"
)

var (
	// ErrSymbolBusy is returned while another order for the symbol is in
	// flight.
	ErrSymbolBusy = errors.New("order already in flight for symbol")
	// ErrPositionExists refuses a BUY for a symbol already holding a managed
	// position.
	ErrPositionExists = errors.New("managed position already open")
	// ErrNoManagedPosition refuses a SELL with nothing to exit.
	ErrNoManagedPosition = errors.New("no managed position")
	// ErrInsufficientCash refuses a BUY larger than ledger cash.
	ErrInsufficientCash = errors.New("insufficient cash")
	// ErrNothingToSell is returned when the sellable quantity clamps to zero.
	ErrNothingToSell = errors.New("nothing to sell")
	// ErrNotFilled is returned when the venue executed nothing.
	ErrNotFilled = errors.New("order not filled")
)

// Journal records confirmed fills.
type Journal interface {
	CreateTrade(ctx context.Context, t db.Trade) error
}

// StopOutStore remembers the last stop-out per symbol.
type StopOutStore interface {
	RecordStopOut(ctx context.Context, symbol string, at time.Time) error
	StopOuts(ctx context.Context) (map[string]time.Time, error)
}

var (
	_ Journal      = (*db.Database)(nil)
	_ StopOutStore = (*db.Database)(nil)
)

// ExitKind says why a SELL was issued.
type ExitKind string

const (
	ExitSignal     ExitKind = "signal"
	ExitStopLoss   ExitKind = "stop_loss"
	ExitTakeProfit ExitKind = "take_profit"
	ExitFlatten    ExitKind = "flatten"
)

// Outcome is the result of a submitted intent.
type Outcome struct {
	PositionID string               `json:"position_id"`
	ClientID   string               `json:"client_id"`
	Order      common.OrderResult   `json:"order"`
	Fill       inventory.FillResult `json:"fill"`
	Remaining  float64              `json:"remaining"`
}
