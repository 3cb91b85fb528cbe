package engine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"tradeguard/internal/gatekeeper"
	"tradeguard/internal/inventory"
	"tradeguard/internal/reconciliation"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"
	"tradeguard/internal/strategy"
)

// Settings is the YAML risk file. Keys left out keep their defaults.
type Settings struct {
	Risk           risk.Config           `yaml:"risk"`
	Overlay        risk.OverlayConfig    `yaml:"overlay"`
	Gatekeeper     gatekeeper.Config     `yaml:"gatekeeper"`
	Inventory      inventory.Config      `yaml:"inventory"`
	Reconciliation reconciliation.Config `yaml:"reconciliation"`
	Resilience     ResilienceSettings    `yaml:"resilience"`
	Strategy       StrategySettings      `yaml:"strategy"`
}

// ResilienceSettings configures the two failure domains: venue reads and
// order submission.
type ResilienceSettings struct {
	Reads           resilience.RetryConfig   `yaml:"reads"`
	Orders          resilience.RetryConfig   `yaml:"orders"`
	ReadBreaker     resilience.BreakerConfig `yaml:"read_breaker"`
	OrderBreaker    resilience.BreakerConfig `yaml:"order_breaker"`
	ErrorRateWindow time.Duration            `yaml:"error_rate_window"`
}

// StrategySettings configures the reference signal source.
type StrategySettings struct {
	FastPeriod     int                         `yaml:"fast_period"`
	SlowPeriod     int                         `yaml:"slow_period"`
	TrendThreshold float64                     `yaml:"trend_threshold"`
	Oversold       strategy.OversoldThresholds `yaml:"oversold"`
}

// DefaultSettings returns every component's defaults.
func DefaultSettings() Settings {
	orders := resilience.DefaultRetryConfig()
	orders.MaxAttempts = 2
	return Settings{
		Risk:           risk.DefaultConfig(),
		Overlay:        risk.DefaultOverlayConfig(),
		Gatekeeper:     gatekeeper.DefaultConfig(),
		Inventory:      inventory.DefaultConfig(),
		Reconciliation: reconciliation.DefaultConfig(),
		Resilience: ResilienceSettings{
			Reads:           resilience.DefaultRetryConfig(),
			Orders:          orders,
			ReadBreaker:     resilience.DefaultBreakerConfig(),
			OrderBreaker:    resilience.DefaultBreakerConfig(),
			ErrorRateWindow: 5 * time.Minute,
		},
		Strategy: StrategySettings{
			FastPeriod:     9,
			SlowPeriod:     21,
			TrendThreshold: 0.01,
			Oversold:       strategy.DefaultOversoldThresholds(),
		},
	}
}

// LoadSettings reads path over the defaults. A missing file yields the
// defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("risk file not found; using defaults")
		return s, s.Validate()
	}
	if err != nil {
		return s, fmt.Errorf("read risk file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("parse risk file %s: %w", path, err)
	}
	return s, s.Validate()
}

// ApplyOverrides lets the environment flip the safety switches.
func (s *Settings) ApplyOverrides(killSwitch, liveTrading *bool) {
	if killSwitch != nil {
		s.Risk.KillSwitch = *killSwitch
	}
	if liveTrading != nil {
		s.Risk.LiveTradingEnabled = *liveTrading
	}
}

// Validate rejects inconsistent settings.
func (s Settings) Validate() error {
	var errs []error
	if err := s.Risk.Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.Strategy.FastPeriod < 1 || s.Strategy.SlowPeriod <= s.Strategy.FastPeriod {
		errs = append(errs, fmt.Errorf("strategy: need 0 < fast_period (%d) < slow_period (%d)", s.Strategy.FastPeriod, s.Strategy.SlowPeriod))
	}
	if s.Resilience.Reads.MaxAttempts < 1 || s.Resilience.Orders.MaxAttempts < 1 {
		errs = append(errs, errors.New("resilience: max_attempts must be >= 1"))
	}
	if s.Resilience.ReadBreaker.Threshold < 1 || s.Resilience.OrderBreaker.Threshold < 1 {
		errs = append(errs, errors.New("resilience: breaker threshold must be >= 1"))
	}
	if s.Overlay.DrawdownReducePct > 0 && s.Overlay.DrawdownHaltPct > 0 && s.Overlay.DrawdownHaltPct < s.Overlay.DrawdownReducePct {
		errs = append(errs, errors.New("overlay: drawdown_halt_pct must not be below drawdown_reduce_pct"))
	}
	return errors.Join(errs...)
}
