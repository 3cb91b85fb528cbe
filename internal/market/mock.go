package market

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"tradeguard/pkg/exchanges/common"
)

// RandomWalk is an offline Source producing a random walk per symbol. Each
// GetTicker call advances the walk by one step and closes a candle.
type RandomWalk struct {
	StartPrice float64
	StepPct    float64
	SpreadBps  float64
	Volume24h  float64
	Interval   time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	candles map[string][]common.Candle
	now     func() time.Time
}

// NewRandomWalk builds a walk seeded with seed; 0 uses the clock.
func NewRandomWalk(startPrice float64, seed int64) *RandomWalk {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if startPrice <= 0 {
		startPrice = 100.0
	}
	return &RandomWalk{
		StartPrice: startPrice,
		StepPct:    0.002,
		SpreadBps:  2,
		Volume24h:  50_000_000,
		Interval:   time.Minute,
		rng:        rand.New(rand.NewSource(seed)),
		candles:    make(map[string][]common.Candle),
		now:        time.Now,
	}
}

const walkHistory = 500

// seedLocked backfills history so indicators have data from the first call.
func (w *RandomWalk) seedLocked(symbol string) []common.Candle {
	if cs, ok := w.candles[symbol]; ok {
		return cs
	}
	cs := make([]common.Candle, 0, walkHistory)
	price := w.StartPrice
	start := w.now().Add(-time.Duration(walkHistory/2) * w.Interval)
	for i := 0; i < walkHistory/2; i++ {
		c := w.stepLocked(price, start.Add(time.Duration(i)*w.Interval))
		price = c.Close
		cs = append(cs, c)
	}
	w.candles[symbol] = cs
	return cs
}

func (w *RandomWalk) stepLocked(open float64, at time.Time) common.Candle {
	move := (w.rng.Float64()*2 - 1) * w.StepPct
	closePx := open * (1 + move)
	wick := open * w.StepPct * w.rng.Float64() / 2
	high := max(open, closePx) + wick
	low := min(open, closePx) - wick
	return common.Candle{
		Time:   at,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePx,
		Volume: w.Volume24h / 1440 * (0.5 + w.rng.Float64()),
	}
}

func (w *RandomWalk) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return common.Ticker{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cs := w.seedLocked(symbol)
	last := cs[len(cs)-1]
	next := w.stepLocked(last.Close, w.now())
	cs = append(cs, next)
	if len(cs) > walkHistory {
		cs = cs[len(cs)-walkHistory:]
	}
	w.candles[symbol] = cs

	half := next.Close * w.SpreadBps / 20000
	return common.Ticker{
		Symbol:    symbol,
		Bid:       next.Close - half,
		Ask:       next.Close + half,
		Last:      next.Close,
		Volume24h: w.Volume24h,
		Time:      w.now(),
	}, nil
}

func (w *RandomWalk) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("random walk %s: limit must be positive", symbol)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cs := w.seedLocked(symbol)
	if limit > len(cs) {
		limit = len(cs)
	}
	out := make([]common.Candle, limit)
	copy(out, cs[len(cs)-limit:])
	return out, nil
}
