package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradeguard/internal/events"
	"tradeguard/pkg/exchanges/common"
)

// Source supplies tickers and candles.
type Source interface {
	GetTicker(ctx context.Context, symbol string) (common.Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error)
}

// Snapshot is the latest market view of one symbol.
type Snapshot struct {
	Ticker    common.Ticker   `json:"ticker"`
	Candles   []common.Candle `json:"-"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Cache holds the latest snapshot per symbol.
type Cache struct {
	mu   sync.RWMutex
	data map[string]Snapshot
}

func NewCache() *Cache {
	return &Cache{data: make(map[string]Snapshot)}
}

// Put replaces the snapshot of symbol.
func (c *Cache) Put(symbol string, s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[symbol] = s
}

// Get returns the snapshot of symbol. Candles are shared and must not be
// modified.
func (c *Cache) Get(symbol string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.data[symbol]
	return s, ok
}

// Prices returns the last traded price per symbol.
func (c *Cache) Prices() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.data))
	for sym, s := range c.data {
		if s.Ticker.Last > 0 {
			out[sym] = s.Ticker.Last
		}
	}
	return out
}

// Symbols lists cached symbols in order.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.data))
	for sym := range c.data {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Feed polls a Source into a Cache.
type Feed struct {
	src      Source
	cache    *Cache
	bus      *events.Bus
	symbols  []string
	interval string
	limit    int
	now      func() time.Time
}

// NewFeed builds a feed for symbols. bus may be nil.
func NewFeed(src Source, cache *Cache, bus *events.Bus, symbols []string, interval string, limit int) *Feed {
	return &Feed{src: src, cache: cache, bus: bus, symbols: symbols, interval: interval, limit: limit, now: time.Now}
}

// Refresh fetches every symbol once. A failed symbol keeps its previous
// snapshot; the errors are joined.
func (f *Feed) Refresh(ctx context.Context) error {
	var errs []error
	for _, sym := range f.symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		tk, err := f.src.GetTicker(ctx, sym)
		if err != nil {
			errs = append(errs, fmt.Errorf("ticker %s: %w", sym, err))
			continue
		}
		candles, err := f.src.GetCandles(ctx, sym, f.interval, f.limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("candles %s: %w", sym, err))
			continue
		}
		snap := Snapshot{Ticker: tk, Candles: candles, UpdatedAt: f.now()}
		f.cache.Put(sym, snap)
		if f.bus != nil {
			f.bus.Publish(events.EventMarketUpdated, snap.Ticker)
		}
	}
	if len(errs) > 0 {
		log.Warn().Int("failed", len(errs)).Int("symbols", len(f.symbols)).Msg("market refresh incomplete")
	}
	return errors.Join(errs...)
}
