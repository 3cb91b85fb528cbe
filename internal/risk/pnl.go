package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradeguard/pkg/db"
)

// MetricsStore persists daily realized results and the equity peak.
type MetricsStore interface {
	AddDailyPnL(ctx context.Context, day string, pnl float64, trades int) error
	GetDailyMetrics(ctx context.Context, day string) (db.DailyMetrics, error)
	SetPeakEquity(ctx context.Context, day string, peak float64) error
	MaxPeakEquity(ctx context.Context) (float64, error)
}

var _ MetricsStore = (*db.Database)(nil)

// PnLTracker accumulates realized PnL for the current UTC day and the equity
// high-water mark used for drawdown.
type PnLTracker struct {
	store MetricsStore
	now   func() time.Time

	mu       sync.RWMutex
	day      string
	realized float64
	trades   int
	peak     float64
}

// NewPnLTracker creates a tracker. store may be nil for in-memory use.
func NewPnLTracker(store MetricsStore, now func() time.Time) *PnLTracker {
	if now == nil {
		now = time.Now
	}
	return &PnLTracker{store: store, now: now, day: dayKey(now())}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Load restores today's totals and the all-time equity peak.
func (t *PnLTracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	day := dayKey(t.now())
	m, err := t.store.GetDailyMetrics(ctx, day)
	if err != nil {
		return err
	}
	peak, err := t.store.MaxPeakEquity(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.day = day
	t.realized = m.RealizedPnL
	t.trades = m.TradeCount
	t.peak = peak
	t.mu.Unlock()
	return nil
}

// Record adds a realized result (net of fees).
func (t *PnLTracker) Record(ctx context.Context, pnl float64) error {
	t.mu.Lock()
	t.rollLocked()
	t.realized += pnl
	t.trades++
	day := t.day
	t.mu.Unlock()

	if t.store == nil {
		return nil
	}
	return t.store.AddDailyPnL(ctx, day, pnl, 1)
}

// Realized returns today's realized PnL.
func (t *PnLTracker) Realized() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return t.realized
}

// Trades returns today's trade count.
func (t *PnLTracker) Trades() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return t.trades
}

// ObserveEquity updates the peak and returns the drawdown from it in percent.
func (t *PnLTracker) ObserveEquity(ctx context.Context, equity float64) float64 {
	t.mu.Lock()
	t.rollLocked()
	raised := equity > t.peak
	if raised {
		t.peak = equity
	}
	peak, day := t.peak, t.day
	t.mu.Unlock()

	if raised && t.store != nil {
		if err := t.store.SetPeakEquity(ctx, day, peak); err != nil {
			log.Warn().Err(err).Msg("persist equity peak")
		}
	}
	if peak <= 0 || equity >= peak {
		return 0
	}
	return (peak - equity) / peak * 100
}

// Peak returns the equity high-water mark.
func (t *PnLTracker) Peak() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peak
}

// ResetDaily starts a new day if the UTC date changed.
func (t *PnLTracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
}

func (t *PnLTracker) rollLocked() {
	day := dayKey(t.now())
	if day == t.day {
		return
	}
	log.Info().Str("prev_day", t.day).Float64("pnl", t.realized).Int("trades", t.trades).Msg("daily pnl reset")
	t.day = day
	t.realized = 0
	t.trades = 0
}
