package engine

import (
	"time"

	"tradeguard/internal/position"
	"tradeguard/internal/risk"
)

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Version        string     `json:"version"`
	Venue          string     `json:"venue"`
	DryRun         bool       `json:"dry_run"`
	Symbols        []string   `json:"symbols"`
	KillSwitch     bool       `json:"kill_switch"`
	LiveTrading    bool       `json:"live_trading"`
	OverlayMode    risk.Mode  `json:"overlay_mode"`
	OrdersInFlight int        `json:"orders_in_flight"`
	Cycles         int64      `json:"cycles"`
	LastCycleAt    *time.Time `json:"last_cycle_at,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	ServerTime     time.Time  `json:"server_time"`
}

// PositionView is a managed position marked to the latest price.
type PositionView struct {
	position.ManagedPosition
	CurrentPrice  float64                `json:"current_price"`
	UnrealizedPnL float64                `json:"unrealized_pnl"`
	Protection    *risk.StopLossPosition `json:"protection,omitempty"`
}

// Intent records what one symbol's signal led to within a cycle.
type Intent struct {
	Symbol    string  `json:"symbol"`
	Action    string  `json:"action"`
	Allowed   bool    `json:"allowed"`
	Component string  `json:"component,omitempty"`
	Gate      string  `json:"gate,omitempty"`
	Reason    string  `json:"reason"`
	SizeUSD   float64 `json:"size_usd,omitempty"`
	Executed  bool    `json:"executed"`
	Error     string  `json:"error,omitempty"`
}

// CycleReport summarises one strategy cycle.
type CycleReport struct {
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"duration"`
	EquityUSD   float64              `json:"equity_usd"`
	DrawdownPct float64              `json:"drawdown_pct"`
	Overlay     risk.OverlayDecision `json:"overlay"`
	Intents     []Intent             `json:"intents"`
}
