// Package paper simulates a spot venue in memory. Market orders fill
// immediately against the current ticker with configurable fee and
// slippage; limit orders rest until cancelled.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradeguard/pkg/exchanges/common"
)

// MarketData supplies prices to the simulator.
type MarketData interface {
	GetTicker(ctx context.Context, symbol string) (common.Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error)
}

// Config tunes the simulation.
type Config struct {
	QuoteAsset     string  // cash asset, default USDT
	InitialBalance float64 // starting quote balance
	FeeRate        float64 // decimal, e.g. 0.001 = 10 bps
	SlippageBps    float64 // upper bound of random adverse slippage
	Seed           int64   // rng seed; 0 uses the clock
}

var (
	// ErrInsufficientBalance is returned when an order cannot be funded.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNoPrice is returned when no ticker is known for the symbol.
	ErrNoPrice = errors.New("no price available")
)

// Exchange is an in-memory venue.
type Exchange struct {
	cfg     Config
	market  MarketData
	rng     *rand.Rand
	nextID  int64
	free    map[string]float64
	locked  map[string]float64
	orders  map[string]*order
	fills   []common.Fill
	tickers map[string]common.Ticker
	failFn  func(op string) error
	mu      sync.Mutex
}

type order struct {
	result    common.OrderResult
	price     float64
	createdAt time.Time
}

var _ common.Exchange = (*Exchange)(nil)

// New builds a paper venue. market may be nil when tickers are set with
// SetTicker.
func New(cfg Config, market MarketData) *Exchange {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ex := &Exchange{
		cfg:     cfg,
		market:  market,
		rng:     rand.New(rand.NewSource(seed)),
		free:    map[string]float64{cfg.QuoteAsset: cfg.InitialBalance},
		locked:  make(map[string]float64),
		orders:  make(map[string]*order),
		tickers: make(map[string]common.Ticker),
	}
	return ex
}

// SetTicker pins the ticker for a symbol, overriding MarketData.
func (e *Exchange) SetTicker(t common.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickers[t.Symbol] = t
}

// SetBalance sets the free balance of an asset.
func (e *Exchange) SetBalance(asset string, free float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.free[asset] = free
}

// InjectFailure installs a hook consulted before every call; a non-nil
// return is surfaced as the call's error.
func (e *Exchange) InjectFailure(fn func(op string) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failFn = fn
}

// RecordExternalFill adds a fill the engine did not originate, as if the
// account traded from another client.
func (e *Exchange) RecordExternalFill(f common.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fills = append(e.fills, f)
}

func (e *Exchange) fail(op string) error {
	if e.failFn == nil {
		return nil
	}
	return e.failFn(op)
}

func (e *Exchange) GetBalances(ctx context.Context) ([]common.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("GetBalances"); err != nil {
		return nil, err
	}
	assets := make(map[string]struct{}, len(e.free))
	for a := range e.free {
		assets[a] = struct{}{}
	}
	for a := range e.locked {
		assets[a] = struct{}{}
	}
	out := make([]common.Balance, 0, len(assets))
	for a := range assets {
		b := common.Balance{Asset: a, Free: e.free[a], Locked: e.locked[a]}
		if b.Total() == 0 {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (e *Exchange) ListOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("ListOpenOrders"); err != nil {
		return nil, err
	}
	var out []common.OpenOrder
	for _, o := range e.orders {
		r := o.result
		if r.Status.Terminal() || (symbol != "" && r.Symbol != symbol) {
			continue
		}
		out = append(out, common.OpenOrder{
			ExchangeOrderID: r.ExchangeOrderID,
			Symbol:          r.Symbol,
			Side:            r.Side,
			Price:           o.price,
			OrigQty:         r.OrigQty,
			ExecutedQty:     r.ExecutedQty,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	tk, err := e.GetTicker(ctx, req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("PlaceOrder"); err != nil {
		return common.OrderResult{}, err
	}
	base, quote, ok := common.SplitSymbol(req.Symbol)
	if !ok {
		return common.OrderResult{}, fmt.Errorf("paper: unsupported symbol %s", req.Symbol)
	}

	e.nextID++
	id := strconv.FormatInt(e.nextID, 10)
	res := common.OrderResult{
		ExchangeOrderID: id,
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrigQty:         req.Qty,
	}

	if req.Type == common.OrderTypeLimit {
		if err := e.lockForLimit(req, base, quote); err != nil {
			return common.OrderResult{}, err
		}
		res.Status = common.StatusNew
		e.orders[id] = &order{result: res, price: req.Price, createdAt: time.Now()}
		return res, nil
	}

	price := e.fillPrice(req.Side, tk)
	if price <= 0 {
		return common.OrderResult{}, fmt.Errorf("paper %s: %w", req.Symbol, ErrNoPrice)
	}
	qty := req.Qty
	if req.QuoteQty > 0 {
		qty = req.QuoteQty / price
		res.OrigQty = qty
	}
	notional := qty * price
	fee := notional * e.cfg.FeeRate

	switch req.Side {
	case common.SideBuy:
		if e.free[quote] < notional+fee {
			return common.OrderResult{}, fmt.Errorf("paper buy %s need %.2f have %.2f: %w",
				req.Symbol, notional+fee, e.free[quote], ErrInsufficientBalance)
		}
		e.free[quote] -= notional + fee
		e.free[base] += qty
	case common.SideSell:
		if e.free[base] < qty {
			return common.OrderResult{}, fmt.Errorf("paper sell %s need %.8f have %.8f: %w",
				req.Symbol, qty, e.free[base], ErrInsufficientBalance)
		}
		e.free[base] -= qty
		e.free[quote] += notional - fee
	default:
		return common.OrderResult{}, fmt.Errorf("paper: unknown side %q", req.Side)
	}

	res.Status = common.StatusFilled
	res.ExecutedQty = qty
	res.AvgPrice = price
	res.Fee = fee
	e.orders[id] = &order{result: res, price: price, createdAt: time.Now()}
	e.fills = append(e.fills, common.Fill{
		ExchangeOrderID: id,
		TradeID:         id + "-1",
		Symbol:          req.Symbol,
		Side:            req.Side,
		Qty:             qty,
		Price:           price,
		Fee:             fee,
		Time:            time.Now().UTC(),
	})

	log.Debug().Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Float64("qty", qty).Float64("price", price).Float64("fee", fee).Msg("paper fill")
	return res, nil
}

func (e *Exchange) lockForLimit(req common.OrderRequest, base, quote string) error {
	switch req.Side {
	case common.SideBuy:
		need := req.Qty * req.Price
		if e.free[quote] < need {
			return fmt.Errorf("paper limit buy %s: %w", req.Symbol, ErrInsufficientBalance)
		}
		e.free[quote] -= need
		e.locked[quote] += need
	case common.SideSell:
		if e.free[base] < req.Qty {
			return fmt.Errorf("paper limit sell %s: %w", req.Symbol, ErrInsufficientBalance)
		}
		e.free[base] -= req.Qty
		e.locked[base] += req.Qty
	default:
		return fmt.Errorf("paper: unknown side %q", req.Side)
	}
	return nil
}

// fillPrice crosses the book and applies random adverse slippage.
func (e *Exchange) fillPrice(side common.Side, tk common.Ticker) float64 {
	price := tk.Last
	if side == common.SideBuy && tk.Ask > 0 {
		price = tk.Ask
	} else if side == common.SideSell && tk.Bid > 0 {
		price = tk.Bid
	}
	slip := e.cfg.SlippageBps / 10000.0
	if slip > 0 {
		noise := e.rng.Float64() * slip
		if side == common.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}
	return price
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("CancelOrder"); err != nil {
		return err
	}
	o, ok := e.orders[exchangeOrderID]
	if !ok || o.result.Symbol != symbol {
		return fmt.Errorf("paper cancel %s %s: %w", symbol, exchangeOrderID, common.ErrOrderNotFound)
	}
	if o.result.Status.Terminal() {
		return nil
	}
	base, quote, _ := common.SplitSymbol(symbol)
	remaining := o.result.OrigQty - o.result.ExecutedQty
	if o.result.Side == common.SideBuy {
		amt := remaining * o.price
		e.locked[quote] -= amt
		e.free[quote] += amt
	} else {
		e.locked[base] -= remaining
		e.free[base] += remaining
	}
	o.result.Status = common.StatusCanceled
	return nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("GetOrder"); err != nil {
		return common.OrderResult{}, err
	}
	o, ok := e.orders[exchangeOrderID]
	if !ok || o.result.Symbol != symbol {
		return common.OrderResult{}, fmt.Errorf("paper %s %s: %w", symbol, exchangeOrderID, common.ErrOrderNotFound)
	}
	return o.result, nil
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	e.mu.Lock()
	if err := e.fail("GetTicker"); err != nil {
		e.mu.Unlock()
		return common.Ticker{}, err
	}
	tk, ok := e.tickers[symbol]
	e.mu.Unlock()
	if ok {
		return tk, nil
	}
	if e.market == nil {
		return common.Ticker{}, fmt.Errorf("paper %s: %w", symbol, ErrNoPrice)
	}
	return e.market.GetTicker(ctx, symbol)
}

func (e *Exchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	if e.market == nil {
		return nil, nil
	}
	return e.market.GetCandles(ctx, symbol, interval, limit)
}

// GetRecentFills returns up to limit of the newest fills for symbol,
// oldest first.
func (e *Exchange) GetRecentFills(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("GetRecentFills"); err != nil {
		return nil, err
	}
	var out []common.Fill
	for _, f := range e.fills {
		if f.Symbol == symbol {
			out = append(out, f)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
