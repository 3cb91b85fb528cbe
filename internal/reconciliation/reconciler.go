// Package reconciliation cross-checks the local trade journal against the
// venue's fills and heals the live inventory ledger.
package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradeguard/internal/events"
	"tradeguard/internal/inventory"
	"tradeguard/internal/resilience"
	"tradeguard/pkg/db"
	"tradeguard/pkg/exchanges/common"
)

const (
	feeTolerance = 0.001
	qtyTolerance = 1e-10
)

// Journal is the local record of fills. It is only ever read here.
type Journal interface {
	RecentTrades(ctx context.Context, limit int) ([]db.Trade, error)
}

// Ledger is the live inventory healed after every pass.
type Ledger interface {
	Resync(ctx context.Context, ex common.Exchange, symbols []string) (inventory.ResyncReport, error)
}

// AuditStore keeps one row per pass.
type AuditStore interface {
	InsertReconciliationRun(ctx context.Context, r db.ReconciliationRun) (int64, error)
}

// LedgerGate runs fn while no order is in flight.
type LedgerGate interface {
	Quiesce(ctx context.Context, fn func(ctx context.Context) error) error
}

// Recorder receives each result, e.g. for metrics.
type Recorder interface {
	ObserveReconciliation(r Result)
}

var (
	_ Journal    = (*db.Database)(nil)
	_ AuditStore = (*db.Database)(nil)
	_ Ledger     = (*inventory.Manager)(nil)
)

// Mismatch describes one disagreement between venue and journal.
type Mismatch struct {
	Kind       string  `json:"kind"` // orphan, fee, qty
	Symbol     string  `json:"symbol"`
	OrderID    string  `json:"order_id"`
	VenueQty   float64 `json:"venue_qty"`
	LocalQty   float64 `json:"local_qty"`
	VenueFee   float64 `json:"venue_fee"`
	LocalFee   float64 `json:"local_fee"`
	VenuePrice float64 `json:"venue_price"`
}

// Result summarises one reconciliation pass.
type Result struct {
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
	FillsChecked   int        `json:"fills_checked"`
	FeeMismatches  int        `json:"fee_mismatches"`
	QtyMismatches  int        `json:"qty_mismatches"`
	OrphanFills    int        `json:"orphan_fills"`
	PatchedEntries int        `json:"patched_entries"`
	DriftUSD       float64    `json:"drift_usd"`
	Mismatches     []Mismatch `json:"mismatches,omitempty"`
	Errors         []string   `json:"errors"`
}

// Config bounds how much history one pass inspects.
type Config struct {
	FillLimit    int `json:"fill_limit" yaml:"fill_limit"`
	JournalLimit int `json:"journal_limit" yaml:"journal_limit"`
}

func DefaultConfig() Config {
	return Config{FillLimit: 100, JournalLimit: 1000}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithAudit stores each result.
func WithAudit(a AuditStore) Option { return func(r *Reconciler) { r.audit = a } }

// WithBus publishes each result on EventReconciliation.
func WithBus(b *events.Bus) Option { return func(r *Reconciler) { r.bus = b } }

// WithRecorder forwards each result to rec.
func WithRecorder(rec Recorder) Option { return func(r *Reconciler) { r.recorder = rec } }

// WithExecutor routes venue fetches through exec.
func WithExecutor(exec *resilience.Executor) Option { return func(r *Reconciler) { r.exec = exec } }

// WithLedgerGate holds new orders off for the duration of each pass.
func WithLedgerGate(g LedgerGate) Option { return func(r *Reconciler) { r.gate = g } }

// Reconciler runs reconciliation passes.
type Reconciler struct {
	ex      common.Exchange
	journal Journal
	ledger  Ledger
	symbols []string
	cfg     Config

	exec     *resilience.Executor
	audit    AuditStore
	bus      *events.Bus
	recorder Recorder
	gate     LedgerGate
	now      func() time.Time

	run  sync.Mutex
	mu   sync.RWMutex
	last *Result
}

// New creates a reconciler over symbols.
func New(ex common.Exchange, journal Journal, ledger Ledger, symbols []string, cfg Config, opts ...Option) *Reconciler {
	if cfg.FillLimit <= 0 {
		cfg.FillLimit = DefaultConfig().FillLimit
	}
	if cfg.JournalLimit <= 0 {
		cfg.JournalLimit = DefaultConfig().JournalLimit
	}
	r := &Reconciler{
		ex:      ex,
		journal: journal,
		ledger:  ledger,
		symbols: symbols,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type aggregate struct {
	symbol   string
	qty      float64
	notional float64
	fee      float64
}

func (a aggregate) vwap() float64 {
	if a.qty == 0 {
		return 0
	}
	return a.notional / a.qty
}

// Reconcile performs one pass. Discrepancies are counted, never written
// back to the journal; the ledger is always resynced afterwards. The
// returned error is non-nil only when the resync itself failed.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	r.run.Lock()
	defer r.run.Unlock()

	res := Result{StartedAt: r.now(), Errors: []string{}}
	var resyncErr error
	pass := func(ctx context.Context) error {
		resyncErr = r.pass(ctx, &res)
		return resyncErr
	}
	if r.gate != nil {
		_ = r.gate.Quiesce(ctx, pass)
	} else {
		_ = pass(ctx)
	}
	res.FinishedAt = r.now()

	r.report(ctx, res)
	return res, resyncErr
}

// pass diffs fills against the journal and resyncs the ledger.
func (r *Reconciler) pass(ctx context.Context, res *Result) error {
	local, err := r.localOrders(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	if local != nil {
		for _, sym := range r.symbols {
			fills, err := r.fetchFills(ctx, sym)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s fills: %v", sym, err))
				continue
			}
			res.FillsChecked += len(fills)
			r.diff(res, sym, aggregateFills(fills), local)
		}
	}

	rep, err := r.ledger.Resync(ctx, r.ex, r.symbols)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return err
	}
	res.PatchedEntries = len(rep.Diffs)
	res.DriftUSD = rep.DriftUSD
	return nil
}

func (r *Reconciler) localOrders(ctx context.Context) (map[string]aggregate, error) {
	trades, err := r.journal.RecentTrades(ctx, r.cfg.JournalLimit)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	out := make(map[string]aggregate)
	for _, t := range trades {
		a := out[t.OrderID]
		a.symbol = t.Symbol
		a.qty += t.Qty
		a.notional += t.Qty * t.Price
		a.fee += t.Fee
		out[t.OrderID] = a
	}
	return out, nil
}

func (r *Reconciler) fetchFills(ctx context.Context, symbol string) ([]common.Fill, error) {
	fetch := func(ctx context.Context) ([]common.Fill, error) {
		return r.ex.GetRecentFills(ctx, symbol, r.cfg.FillLimit)
	}
	if r.exec == nil {
		return fetch(ctx)
	}
	return resilience.Do(ctx, r.exec, "reconcile.fills."+symbol, fetch)
}

func aggregateFills(fills []common.Fill) map[string]aggregate {
	out := make(map[string]aggregate)
	for _, f := range fills {
		a := out[f.ExchangeOrderID]
		a.symbol = f.Symbol
		a.qty += f.Qty
		a.notional += f.Qty * f.Price
		a.fee += f.Fee
		out[f.ExchangeOrderID] = a
	}
	return out
}

func (r *Reconciler) diff(res *Result, symbol string, venue, local map[string]aggregate) {
	ids := make([]string, 0, len(venue))
	for id := range venue {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		v := venue[id]
		l, ok := local[id]
		m := Mismatch{Symbol: symbol, OrderID: id, VenueQty: v.qty, VenueFee: v.fee, VenuePrice: v.vwap()}
		if !ok {
			res.OrphanFills++
			m.Kind = "orphan"
			res.Mismatches = append(res.Mismatches, m)
			log.Warn().Str("symbol", symbol).Str("order_id", id).Float64("qty", v.qty).Msg("orphan venue fill")
			continue
		}
		m.LocalQty, m.LocalFee = l.qty, l.fee
		if math.Abs(l.fee-v.fee) > feeTolerance {
			res.FeeMismatches++
			fm := m
			fm.Kind = "fee"
			res.Mismatches = append(res.Mismatches, fm)
			log.Warn().Str("symbol", symbol).Str("order_id", id).Float64("local_fee", l.fee).Float64("venue_fee", v.fee).Msg("fee mismatch")
		}
		if math.Abs(l.qty-v.qty) > qtyTolerance {
			res.QtyMismatches++
			qm := m
			qm.Kind = "qty"
			res.Mismatches = append(res.Mismatches, qm)
			log.Warn().Str("symbol", symbol).Str("order_id", id).Float64("local_qty", l.qty).Float64("venue_qty", v.qty).Msg("qty mismatch")
		}
	}
}

func (r *Reconciler) report(ctx context.Context, res Result) {
	r.mu.Lock()
	r.last = &res
	r.mu.Unlock()

	ev := log.Info()
	if res.OrphanFills+res.FeeMismatches+res.QtyMismatches > 0 || len(res.Errors) > 0 {
		ev = log.Warn()
	}
	ev.Int("fills", res.FillsChecked).
		Int("orphans", res.OrphanFills).
		Int("fee_mismatches", res.FeeMismatches).
		Int("qty_mismatches", res.QtyMismatches).
		Int("patched", res.PatchedEntries).
		Float64("drift_usd", res.DriftUSD).
		Strs("errors", res.Errors).
		Msg("reconciliation complete")

	if r.audit != nil {
		if _, err := r.audit.InsertReconciliationRun(ctx, db.ReconciliationRun{
			StartedAt:      res.StartedAt,
			FinishedAt:     res.FinishedAt,
			FillsChecked:   res.FillsChecked,
			FeeMismatches:  res.FeeMismatches,
			QtyMismatches:  res.QtyMismatches,
			OrphanFills:    res.OrphanFills,
			PatchedEntries: res.PatchedEntries,
			DriftUSD:       res.DriftUSD,
			Errors:         res.Errors,
		}); err != nil {
			log.Error().Err(err).Msg("save reconciliation audit")
		}
	}
	if r.recorder != nil {
		r.recorder.ObserveReconciliation(res)
	}
	if r.bus != nil {
		r.bus.Publish(events.EventReconciliation, res)
	}
}

// Last returns the most recent result.
func (r *Reconciler) Last() (Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Result{}, false
	}
	return *r.last, true
}

// DriftUSD is the ledger drift healed by the most recent pass.
func (r *Reconciler) DriftUSD() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return 0
	}
	return r.last.DriftUSD
}
