package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Venue names accepted by VENUE.
const (
	VenuePaper   = "paper"
	VenueBinance = "binance"
)

// Price sources for the paper venue.
const (
	PriceSourceMock    = "mock"
	PriceSourceBinance = "binance"
)

// Config holds environment-driven settings for the trading service.
type Config struct {
	Port      string
	LogLevel  string
	LogPretty bool

	// Venue
	Venue            string
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceRPS       float64 // outbound request pacing
	Symbols          []string

	// Paper venue simulation
	PaperInitialBalance float64
	PaperFeeRate        float64 // decimal (e.g. 0.001 = 10 bps)
	PaperSlippageBps    float64
	PaperPriceSource    string // "mock" (random walk) or "binance" (public spot tickers)

	// Storage
	DBPath      string
	PostgresDSN string // optional; positions go to Postgres when set

	// Risk file (YAML) and safety switches; the env switches override the file.
	RiskConfigPath     string
	KillSwitch         *bool
	LiveTradingEnabled *bool

	// Scheduling
	MarketDataInterval time.Duration
	StrategyInterval   time.Duration
	ReconcileInterval  time.Duration
	CandleInterval     string
	CandleLimit        int
	Leverage           float64
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogPretty:           getEnvBool("LOG_PRETTY", false),
		Venue:               strings.ToLower(getEnv("VENUE", VenuePaper)),
		BinanceTestnet:      getEnvBool("BINANCE_TESTNET", false),
		BinanceAPIKey:       os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:    os.Getenv("BINANCE_API_SECRET"),
		BinanceRPS:          getEnvFloat("BINANCE_RPS", 10),
		Symbols:             splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		PaperInitialBalance: getEnvFloat("PAPER_INITIAL_BALANCE", 10000.0),
		PaperFeeRate:        getEnvFloat("PAPER_FEE_RATE", 0.001),
		PaperSlippageBps:    getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		PaperPriceSource:    strings.ToLower(getEnv("PAPER_PRICE_SOURCE", PriceSourceMock)),
		DBPath:              getEnv("DB_PATH", "./data/tradeguard.db"),
		PostgresDSN:         os.Getenv("POSTGRES_DSN"),
		RiskConfigPath:      getEnv("RISK_CONFIG_PATH", "risk.yaml"),
		KillSwitch:          getEnvBoolPtr("KILL_SWITCH"),
		LiveTradingEnabled:  getEnvBoolPtr("LIVE_TRADING_ENABLED"),
		MarketDataInterval:  getEnvDuration("MARKET_DATA_INTERVAL", 15*time.Second),
		StrategyInterval:    getEnvDuration("STRATEGY_INTERVAL", time.Minute),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		CandleInterval:      getEnv("CANDLE_INTERVAL", "15m"),
		CandleLimit:         getEnvInt("CANDLE_LIMIT", 120),
		Leverage:            getEnvFloat("LEVERAGE", 1),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Venue {
	case VenuePaper:
		if c.PaperPriceSource != PriceSourceMock && c.PaperPriceSource != PriceSourceBinance {
			errs = append(errs, fmt.Errorf("unknown PAPER_PRICE_SOURCE %q", c.PaperPriceSource))
		}
	case VenueBinance:
		if c.BinanceAPIKey == "" || c.BinanceAPISecret == "" {
			errs = append(errs, errors.New("VENUE=binance requires BINANCE_API_KEY and BINANCE_API_SECRET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown VENUE %q", c.Venue))
	}
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("SYMBOLS must list at least one symbol"))
	}
	if c.PaperInitialBalance < 0 {
		errs = append(errs, errors.New("PAPER_INITIAL_BALANCE must be >= 0"))
	}
	if c.MarketDataInterval <= 0 || c.StrategyInterval <= 0 || c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("scheduler intervals must be positive"))
	}
	if c.CandleLimit < 1 {
		errs = append(errs, errors.New("CANDLE_LIMIT must be >= 1"))
	}
	if c.Leverage <= 0 {
		errs = append(errs, errors.New("LEVERAGE must be > 0"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if b := getEnvBoolPtr(key); b != nil {
		return *b
	}
	return def
}

func getEnvBoolPtr(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
