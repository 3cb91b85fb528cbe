package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"tradeguard/internal/api"
	"tradeguard/internal/engine"
	"tradeguard/internal/events"
	"tradeguard/internal/gatekeeper"
	"tradeguard/internal/inventory"
	"tradeguard/internal/market"
	"tradeguard/internal/monitor"
	"tradeguard/internal/order"
	"tradeguard/internal/position"
	"tradeguard/internal/reconciliation"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"
	"tradeguard/internal/scheduler"
	"tradeguard/internal/strategy"
	"tradeguard/pkg/config"
	"tradeguard/pkg/db"
	"tradeguard/pkg/db/postgres"
	exspot "tradeguard/pkg/exchanges/binance/spot"
	"tradeguard/pkg/exchanges/common"
	"tradeguard/pkg/exchanges/paper"
	"tradeguard/pkg/logger"
)

var version = "dev"

const (
	dailyResetInterval = time.Minute
	shutdownTimeout   = 15 * time.Second
	mockStartPrice    = 100.0
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("tradeguard stopped")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := engine.LoadSettings(cfg.RiskConfigPath)
	if err != nil {
		return err
	}
	settings.ApplyOverrides(cfg.KillSwitch, cfg.LiveTradingEnabled)

	// Storage
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	rows, closeRows, err := positionRows(ctx, cfg, database)
	if err != nil {
		return err
	}
	defer closeRows()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	health := monitor.NewHealth(reg, settings.Resilience.ErrorRateWindow)

	// Venue behind retry + breakers
	venue := buildVenue(ctx, cfg)
	res := settings.Resilience
	breakers := resilience.NewRegistry(res.ReadBreaker)
	reads := resilience.NewExecutor(breakers.Register("venue.reads", res.ReadBreaker), res.Reads, resilience.WithObserver(health.ObserveAttempt))
	orders := resilience.NewExecutor(breakers.Register("venue.orders", res.OrderBreaker), res.Orders, resilience.WithObserver(health.ObserveAttempt))
	ex := resilience.NewGuardedExchange(venue, reads, orders)

	bus := events.NewBus()

	inv := inventory.NewManager(settings.Inventory)
	if err := inv.HydrateFromExchange(ctx, ex, cfg.Symbols); err != nil {
		return fmt.Errorf("hydrate inventory: %w", err)
	}
	fsm := position.NewMachine(position.NewSQLStore(rows))
	if err := fsm.Load(ctx); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	pnl := risk.NewPnLTracker(database, nil)
	if err := pnl.Load(ctx); err != nil {
		return fmt.Errorf("load pnl: %w", err)
	}

	riskEngine := risk.NewEngine(settings.Risk)
	gk := gatekeeper.New(settings.Gatekeeper)
	om, err := order.NewManager(order.Deps{
		Exchange:   ex,
		Inventory:  inv,
		Positions:  fsm,
		Journal:    database,
		Gatekeeper: gk,
		PnL:        pnl,
		RiskConfig: riskEngine.Config,
		StopOuts:   database,
		Bus:        bus,
	})
	if err != nil {
		return err
	}
	if err := om.LoadStopOuts(ctx); err != nil {
		return fmt.Errorf("load stop-outs: %w", err)
	}

	cache := market.NewCache()
	feed := market.NewFeed(ex, cache, bus, cfg.Symbols, cfg.CandleInterval, cfg.CandleLimit)
	if err := feed.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial market data incomplete")
	}
	if err := om.Recover(ctx, cfg.Symbols, cache.Prices()); err != nil {
		log.Warn().Err(err).Msg("startup recovery incomplete")
	}

	recon := reconciliation.New(ex, database, inv, cfg.Symbols, settings.Reconciliation,
		reconciliation.WithAudit(database),
		reconciliation.WithBus(bus),
		reconciliation.WithRecorder(health),
		reconciliation.WithLedgerGate(om),
	)

	src := strategy.NewMACross(settings.Strategy.FastPeriod, settings.Strategy.SlowPeriod)
	src.TrendThreshold = settings.Strategy.TrendThreshold
	src.Oversold = settings.Strategy.Oversold

	eng, err := engine.New(engine.Deps{
		Symbols:    cfg.Symbols,
		Market:     cache,
		Strategy:   src,
		Risk:       riskEngine,
		Overlay:    risk.NewOverlay(settings.Overlay),
		Gatekeeper: gk,
		Orders:     om,
		Inventory:  inv,
		Positions:  fsm,
		PnL:        pnl,
		Reconciler: recon,
		Breakers:   breakers,
		Health:     health,
		Bus:        bus,
		Leverage:   cfg.Leverage,
		Meta: engine.SystemStatus{
			Version: version,
			Venue:   cfg.Venue,
			DryRun:  cfg.Venue == config.VenuePaper,
		},
	})
	if err != nil {
		return err
	}

	sched := scheduler.New()
	for _, t := range []scheduler.Task{
		{Name: "market-data", Interval: cfg.MarketDataInterval, Run: feed.Refresh},
		{Name: "strategy", Interval: cfg.StrategyInterval, Run: func(ctx context.Context) error {
			_, err := eng.Cycle(ctx)
			return err
		}},
		{Name: "reconciliation", Interval: cfg.ReconcileInterval, RunAtStart: true, Run: func(ctx context.Context) error {
			_, err := recon.Reconcile(ctx)
			return err
		}},
		{Name: "daily-reset", Interval: dailyResetInterval, Run: eng.DailyReset},
	} {
		if err := sched.Add(t); err != nil {
			return err
		}
	}

	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}}
	monDone := mon.Start(ctx)
	sched.Start(ctx)

	srv, err := api.NewServer(api.Deps{Engine: eng, Tasks: sched, Health: health, Gatherer: reg})
	if err != nil {
		return err
	}
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start(":" + cfg.Port) }()

	st := eng.Status(ctx)
	log.Info().
		Str("version", version).
		Str("venue", cfg.Venue).
		Strs("symbols", cfg.Symbols).
		Bool("kill_switch", st.KillSwitch).
		Bool("live_trading", st.LiveTrading).
		Msg("tradeguard started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sched.Stop()
	if err := sched.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tasks still running at shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("api shutdown: %w", err))
	}
	monDone.Wait()
	log.Info().Msg("tradeguard stopped cleanly")
	return runErr
}

// buildVenue returns the raw venue client; callers wrap it.
func buildVenue(ctx context.Context, cfg *config.Config) common.Exchange {
	spot := func() *exspot.Client {
		return exspot.New(exspot.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
			RPS:       cfg.BinanceRPS,
		})
	}

	if cfg.Venue == config.VenueBinance {
		log.Warn().Bool("testnet", cfg.BinanceTestnet).Msg("binance spot venue: orders are real")
		client := spot()
		client.StartTimeSync(ctx)
		return client
	}

	var md paper.MarketData = market.NewRandomWalk(mockStartPrice, 0)
	if cfg.PaperPriceSource == config.PriceSourceBinance {
		md = spot()
	}
	log.Info().Str("prices", cfg.PaperPriceSource).Float64("balance", cfg.PaperInitialBalance).Msg("paper venue")
	return paper.New(paper.Config{
		InitialBalance: cfg.PaperInitialBalance,
		FeeRate:        cfg.PaperFeeRate,
		SlippageBps:    cfg.PaperSlippageBps,
	}, md)
}

// positionRows picks the position backend: Postgres when a DSN is set,
// otherwise the SQLite database.
func positionRows(ctx context.Context, cfg *config.Config, database *db.Database) (position.RowStore, func(), error) {
	if cfg.PostgresDSN == "" {
		return database, func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Info().Msg("positions stored in postgres")
	return postgres.NewPositionStore(pool), pool.Close, nil
}
