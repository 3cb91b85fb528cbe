package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/events"
	"tradeguard/internal/gatekeeper"
	"tradeguard/internal/inventory"
	"tradeguard/internal/market"
	"tradeguard/internal/monitor"
	"tradeguard/internal/order"
	"tradeguard/internal/position"
	"tradeguard/internal/risk"
	"tradeguard/internal/strategy"
	"tradeguard/pkg/exchanges/common"
	"tradeguard/pkg/exchanges/paper"
)

const sym = "BTCUSDT"

type scripted struct{ next strategy.Signal }

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Evaluate(string, []common.Candle) strategy.Signal {
	sig := s.next
	s.next = strategy.Hold("idle")
	return sig
}

type harness struct {
	eng    *Engine
	src    *scripted
	ex     *paper.Exchange
	cache  *market.Cache
	fsm    *position.Machine
	inv    *inventory.Manager
	orders *order.Manager
	pnl    *risk.PnLTracker
	risk   *risk.Engine
	health *monitor.Health
	bus    *events.Bus
	now    time.Time
}

func flatCandles(n int, px float64, end time.Time) []common.Candle {
	out := make([]common.Candle, n)
	for i := range out {
		out[i] = common.Candle{
			Time: end.Add(time.Duration(i-n) * time.Minute),
			Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 1000,
		}
	}
	return out
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}

	h.ex = paper.New(paper.Config{InitialBalance: 1000, FeeRate: 0.001, Seed: 1}, nil)
	h.cache = market.NewCache()
	h.setPrice(99.99, 100.01)

	h.inv = inventory.NewManager(inventory.DefaultConfig())
	require.NoError(t, h.inv.HydrateFromExchange(ctx, h.ex, []string{sym}))
	h.fsm = position.NewMachine(position.NewMemoryStore())
	h.pnl = risk.NewPnLTracker(nil, func() time.Time { return h.now })

	cfg := risk.DefaultConfig()
	cfg.LiveTradingEnabled = true
	h.risk = risk.NewEngine(cfg)
	gk := gatekeeper.New(gatekeeper.DefaultConfig())
	h.bus = events.NewBus()
	h.health = monitor.NewHealth(prometheus.NewRegistry(), time.Minute)

	var err error
	h.orders, err = order.NewManager(order.Deps{
		Exchange:   h.ex,
		Inventory:  h.inv,
		Positions:  h.fsm,
		Gatekeeper: gk,
		PnL:        h.pnl,
		RiskConfig: h.risk.Config,
		Bus:        h.bus,
		Now:        func() time.Time { return h.now },
	})
	require.NoError(t, err)

	h.src = &scripted{next: strategy.Hold("idle")}
	h.eng, err = New(Deps{
		Symbols:    []string{sym},
		Market:     h.cache,
		Strategy:   h.src,
		Risk:       h.risk,
		Overlay:    risk.NewOverlay(risk.DefaultOverlayConfig()),
		Gatekeeper: gk,
		Orders:     h.orders,
		Inventory:  h.inv,
		Positions:  h.fsm,
		PnL:        h.pnl,
		Health:     h.health,
		Bus:        h.bus,
		Meta:       SystemStatus{Venue: "paper", DryRun: true},
		Now:        func() time.Time { return h.now },
	})
	require.NoError(t, err)
	return h
}

func (h *harness) setPrice(bid, ask float64) {
	mid := (bid + ask) / 2
	tk := common.Ticker{Symbol: sym, Bid: bid, Ask: ask, Last: mid, Volume24h: 5e7, Time: h.now}
	h.ex.SetTicker(tk)
	h.cache.Put(sym, market.Snapshot{Ticker: tk, Candles: flatCandles(120, mid, h.now), UpdatedAt: h.now})
}

func (h *harness) buy(t *testing.T) {
	t.Helper()
	h.src.next = strategy.Signal{Action: strategy.ActionBuy, Confidence: 0.8, Reason: "golden cross"}
	rep, err := h.eng.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Intents, 1)
	require.True(t, rep.Intents[0].Executed, rep.Intents[0].Reason)
}

func TestCycleBuyThenSell(t *testing.T) {
	h := newHarness(t)
	h.buy(t)

	pos, ok := h.fsm.BySymbol(sym)
	require.True(t, ok)
	assert.Equal(t, position.StateManaging, pos.State)
	assert.Less(t, h.inv.Cash(), 1000.0)

	views := h.eng.Positions(context.Background())
	require.Len(t, views, 1)
	require.NotNil(t, views[0].Protection)

	h.now = h.now.Add(time.Hour)
	h.setPrice(99.99, 100.01)
	h.src.next = strategy.Signal{Action: strategy.ActionSell, Confidence: 0.8, Reason: "death cross"}
	rep, err := h.eng.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Intents, 1)
	assert.True(t, rep.Intents[0].Executed)

	_, ok = h.fsm.BySymbol(sym)
	assert.False(t, ok)
	assert.Equal(t, int64(2), h.eng.Status(context.Background()).Cycles)
}

func TestCycleHoldProducesNoIntent(t *testing.T) {
	h := newHarness(t)
	rep, err := h.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Intents)
	assert.Equal(t, risk.ModeNormal, rep.Overlay.Mode)
}

func TestCycleRiskBlockIsCountedAndPublished(t *testing.T) {
	h := newHarness(t)
	ch, unsub := h.bus.Subscribe(events.EventRiskBlocked, 1)
	defer unsub()

	cfg := h.risk.Config()
	cfg.KillSwitch = true
	h.risk.SetConfig(cfg)

	h.src.next = strategy.Signal{Action: strategy.ActionBuy, Confidence: 0.9}
	rep, err := h.eng.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Intents, 1)
	in := rep.Intents[0]
	assert.False(t, in.Allowed)
	assert.Equal(t, ComponentRisk, in.Component)
	assert.Equal(t, risk.GateKillSwitch, in.Gate)

	require.Len(t, ch, 1)
	blocked := (<-ch).(events.Blocked)
	assert.Equal(t, risk.GateKillSwitch, blocked.Gate)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.health.GateBlocks.WithLabelValues(ComponentRisk, risk.GateKillSwitch)))
	_, ok := h.fsm.BySymbol(sym)
	assert.False(t, ok)
}

func TestCycleGatekeeperVetoesOversoldSell(t *testing.T) {
	h := newHarness(t)
	h.buy(t)

	h.src.next = strategy.Signal{
		Action:     strategy.ActionSell,
		Confidence: 0.8,
		Regime:     strategy.RegimeRange,
		Oversold:   []strategy.Oscillator{strategy.OscStochRSI, strategy.OscCCI},
	}
	rep, err := h.eng.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Intents, 1)
	assert.Equal(t, ComponentGatekeeper, rep.Intents[0].Component)
	assert.Equal(t, gatekeeper.GateOversoldVeto, rep.Intents[0].Gate)

	pos, ok := h.fsm.BySymbol(sym)
	require.True(t, ok)
	assert.Equal(t, position.StateManaging, pos.State)
}

func TestCycleStopLossExitsAndRecordsStopOut(t *testing.T) {
	h := newHarness(t)
	h.buy(t)

	h.setPrice(96.99, 97.01)
	rep, err := h.eng.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Intents, 1)
	assert.True(t, rep.Intents[0].Executed)

	_, ok := h.fsm.BySymbol(sym)
	assert.False(t, ok)
	assert.Contains(t, h.orders.StopOuts(), sym)

	// The cooldown gate now refuses a fresh entry.
	h.setPrice(99.99, 100.01)
	h.src.next = strategy.Signal{Action: strategy.ActionBuy, Confidence: 0.8}
	rep, err = h.eng.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Intents, 1)
	assert.Equal(t, risk.GateCooldown, rep.Intents[0].Gate)
}

func TestCycleFlattenOnlyExitsPositions(t *testing.T) {
	h := newHarness(t)
	h.buy(t)
	ch, unsub := h.bus.Subscribe(events.EventOverlayChanged, 1)
	defer unsub()

	// A far higher peak puts the account deep in drawdown.
	h.pnl.ObserveEquity(context.Background(), 10_000)

	rep, err := h.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, risk.ModeFlattenOnly, rep.Overlay.Mode)
	require.Len(t, rep.Intents, 1)
	assert.True(t, rep.Intents[0].Executed)
	_, ok := h.fsm.BySymbol(sym)
	assert.False(t, ok)
	assert.Len(t, ch, 1)
	assert.Equal(t, risk.ModeFlattenOnly, h.eng.Status(context.Background()).OverlayMode)

	// Entries stay refused by the overlay.
	h.src.next = strategy.Signal{Action: strategy.ActionBuy, Confidence: 0.8}
	rep, err = h.eng.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Intents, 1)
	assert.Equal(t, ComponentOverlay, rep.Intents[0].Component)
	assert.Equal(t, risk.GateRiskOverlay, rep.Intents[0].Gate)
}

func TestNewRejectsMissingDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
