// Command dry_run_demo walks the order path against the paper venue on a
// simulated price walk. It touches neither a real venue nor the database.
//
// Usage:
//
//	go run ./scripts/dry_run_demo
//
// It will:
//  1. BUY then SELL the same symbol within balance limits.
//  2. Try a BUY larger than the free cash and show the refusal.
//  3. Print the final ledger.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog/log"

	"tradeguard/internal/inventory"
	"tradeguard/internal/market"
	"tradeguard/internal/order"
	"tradeguard/internal/position"
	"tradeguard/internal/risk"
	"tradeguard/pkg/exchanges/paper"
	"tradeguard/pkg/logger"
)

const symbol = "BTCUSDT"

func main() {
	logger.Init("info", true)
	if err := run(context.Background()); err != nil {
		log.Error().Err(err).Msg("demo failed")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	walk := market.NewRandomWalk(100, 42)
	ex := paper.New(paper.Config{InitialBalance: 1000, FeeRate: 0.001, SlippageBps: 2, Seed: 42}, walk)

	inv := inventory.NewManager(inventory.DefaultConfig())
	if err := inv.HydrateFromExchange(ctx, ex, []string{symbol}); err != nil {
		return err
	}
	om, err := order.NewManager(order.Deps{
		Exchange:  ex,
		Inventory: inv,
		Positions: position.NewMachine(position.NewMemoryStore()),
		PnL:       risk.NewPnLTracker(nil, nil),
	})
	if err != nil {
		return err
	}

	log.Info().Str("symbol", symbol).Msg("scenario 1: buy then sell")
	buy, err := om.Buy(ctx, symbol, 250, "demo entry")
	if err != nil {
		return err
	}
	log.Info().Float64("qty", buy.Order.ExecutedQty).Float64("price", buy.Order.AvgPrice).Float64("cash", inv.Cash()).Msg("bought")

	sell, err := om.Sell(ctx, symbol, order.ExitSignal, "demo exit")
	if err != nil {
		return err
	}
	log.Info().Float64("pnl", sell.Fill.RealizedPnLUSD).Float64("cash", inv.Cash()).Msg("sold")

	log.Info().Msg("scenario 2: buy larger than free cash")
	_, err = om.Buy(ctx, symbol, 1_000_000, "oversized")
	switch {
	case errors.Is(err, order.ErrInsufficientCash):
		log.Info().Err(err).Msg("refused as expected")
	case err != nil:
		return err
	default:
		return errors.New("oversized buy was accepted")
	}

	st := inv.State()
	log.Info().Float64("cash", st.CashUSD).Interface("available", st.Available).Msg("final ledger")
	return nil
}
