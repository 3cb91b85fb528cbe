package inventory

import (
	"errors"
	"time"

	"tradeguard/pkg/exchanges/common"
)

var (
	// ErrUnknownSymbol is returned for symbols the ledger does not track.
	ErrUnknownSymbol = errors.New("no inventory")
	// ErrInsufficientInventory is returned when a quantity exceeds available.
	ErrInsufficientInventory = errors.New("exceeds available")
	// ErrOversell is returned when a sell fill exceeds the reserved quantity.
	ErrOversell = errors.New("sell fill exceeds reserved quantity")
	// ErrInvalidQuantity is returned for non-positive quantities or prices.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Config tunes the ledger.
type Config struct {
	// DustBuffer is held back from every clamped sell so rounding on the
	// venue never asks for more than is free.
	DustBuffer float64 `json:"dust_buffer" yaml:"dust_buffer"`
	// CashDiffTolerance is the smallest cash change reported by Resync.
	CashDiffTolerance float64 `json:"cash_diff_tolerance" yaml:"cash_diff_tolerance"`
	// QtyDiffTolerance is the smallest quantity change reported by Resync.
	QtyDiffTolerance float64 `json:"qty_diff_tolerance" yaml:"qty_diff_tolerance"`
}

// DefaultConfig returns the ledger defaults.
func DefaultConfig() Config {
	return Config{DustBuffer: 1e-8, CashDiffTolerance: 0.01, QtyDiffTolerance: 1e-10}
}

// Holding is a non-zero asset position.
type Holding struct {
	Symbol        string  `json:"symbol"`
	Asset         string  `json:"asset"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}

// State is a ledger snapshot.
type State struct {
	CashUSD   float64            `json:"cash_usd"`
	Available map[string]float64 `json:"available"`
	Reserved  map[string]float64 `json:"reserved"`
	Positions []Holding          `json:"positions"`
	SyncedAt  time.Time          `json:"synced_at"`
}

// SellCheck is the outcome of CanSell.
type SellCheck struct {
	Allowed   bool    `json:"allowed"`
	Reason    string  `json:"reason,omitempty"`
	Available float64 `json:"available"`
}

// FilledOrder describes a venue-confirmed execution to apply to the ledger.
type FilledOrder struct {
	ID        string
	Symbol    string
	Side      common.Side
	FilledQty float64
	BaseFee   float64 // buys only: commission withheld from FilledQty
}

// FillResult reports the ledger effect of a confirmed fill.
type FillResult struct {
	CashDelta      float64 `json:"cash_delta"`
	RealizedPnLUSD float64 `json:"realized_pnl_usd"` // sells only
	PositionClosed bool    `json:"position_closed"`
}

// ResyncReport lists what a resync overwrote.
type ResyncReport struct {
	Diffs    []string `json:"diffs"`
	DriftUSD float64  `json:"drift_usd"`
}
