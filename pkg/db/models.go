package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PositionRow is a managed position as stored.
type PositionRow struct {
	ID         string
	Symbol     string
	Side       string
	EntryPrice float64
	Quantity   float64
	State      string
	StopLoss   *float64
	TakeProfit *float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Trade represents a fill stored in the journal.
type Trade struct {
	ID            string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	Price         float64
	Qty           float64
	Fee           float64
	RealizedPnL   float64
	CreatedAt     time.Time
}

// DailyMetrics is one UTC day of realized results.
type DailyMetrics struct {
	Day         string // YYYY-MM-DD
	RealizedPnL float64
	TradeCount  int
	PeakEquity  float64
	UpdatedAt   time.Time
}

// ReconciliationRun is the audit record of one reconciliation pass.
type ReconciliationRun struct {
	ID             int64
	StartedAt      time.Time
	FinishedAt     time.Time
	FillsChecked   int
	FeeMismatches  int
	QtyMismatches  int
	OrphanFills    int
	PatchedEntries int
	DriftUSD       float64
	Errors         []string
}

// UpsertManagedPosition stores the latest version of a position by id.
func (d *Database) UpsertManagedPosition(ctx context.Context, p PositionRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO managed_positions (
			id, symbol, side, entry_price, quantity, state, stop_loss, take_profit, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entry_price = excluded.entry_price,
			quantity = excluded.quantity,
			state = excluded.state,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			updated_at = excluded.updated_at
	`, p.ID, p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.State,
		nullFloat(p.StopLoss), nullFloat(p.TakeProfit), toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert managed position %s: %w", p.ID, err)
	}
	return nil
}

// ListActiveManagedPositions returns all positions not in the exited state.
func (d *Database) ListActiveManagedPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, side, entry_price, quantity, state, stop_loss, take_profit, created_at, updated_at
		FROM managed_positions
		WHERE state != 'exited'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []PositionRow
	for rows.Next() {
		var (
			p                  PositionRow
			sl, tp             sql.NullFloat64
			createdAt, updated int64
		)
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity, &p.State, &sl, &tp, &createdAt, &updated); err != nil {
			return nil, err
		}
		p.StopLoss = floatPtr(sl)
		p.TakeProfit = floatPtr(tp)
		p.CreatedAt = fromMillis(createdAt)
		p.UpdatedAt = fromMillis(updated)
		res = append(res, p)
	}
	return res, rows.Err()
}

// CreateTrade inserts a new journal row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, order_id, client_order_id, symbol, side, price, qty, fee, realized_pnl, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.OrderID, t.ClientOrderID, t.Symbol, t.Side, t.Price, t.Qty, t.Fee, t.RealizedPnL, toMillis(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create trade %s: %w", t.ID, err)
	}
	return nil
}

// RecentTrades returns up to limit of the newest journal rows, newest first.
func (d *Database) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, client_order_id, symbol, side, price, qty, fee, realized_pnl, created_at
		FROM trades
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var (
			t  Trade
			at int64
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &t.ClientOrderID, &t.Symbol, &t.Side, &t.Price, &t.Qty, &t.Fee, &t.RealizedPnL, &at); err != nil {
			return nil, err
		}
		t.CreatedAt = fromMillis(at)
		res = append(res, t)
	}
	return res, rows.Err()
}

// AddDailyPnL accumulates realized PnL and trade count for day.
func (d *Database) AddDailyPnL(ctx context.Context, day string, pnl float64, trades int) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_metrics (day, realized_pnl, trade_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			realized_pnl = risk_metrics.realized_pnl + excluded.realized_pnl,
			trade_count = risk_metrics.trade_count + excluded.trade_count,
			updated_at = excluded.updated_at
	`, day, pnl, trades, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add daily pnl %s: %w", day, err)
	}
	return nil
}

// SetPeakEquity records the running equity peak for day.
func (d *Database) SetPeakEquity(ctx context.Context, day string, peak float64) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_metrics (day, peak_equity, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			peak_equity = MAX(risk_metrics.peak_equity, excluded.peak_equity),
			updated_at = excluded.updated_at
	`, day, peak, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set peak equity %s: %w", day, err)
	}
	return nil
}

// GetDailyMetrics loads the metrics row for day; a missing day is zero.
func (d *Database) GetDailyMetrics(ctx context.Context, day string) (DailyMetrics, error) {
	m := DailyMetrics{Day: day}
	var updated int64
	err := d.DB.QueryRowContext(ctx, `
		SELECT realized_pnl, trade_count, COALESCE(peak_equity, 0), updated_at
		FROM risk_metrics WHERE day = ?`, day).Scan(&m.RealizedPnL, &m.TradeCount, &m.PeakEquity, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("get daily metrics %s: %w", day, err)
	}
	m.UpdatedAt = fromMillis(updated)
	return m, nil
}

// MaxPeakEquity returns the highest recorded equity peak across all days.
func (d *Database) MaxPeakEquity(ctx context.Context) (float64, error) {
	var peak sql.NullFloat64
	if err := d.DB.QueryRowContext(ctx, `SELECT MAX(peak_equity) FROM risk_metrics`).Scan(&peak); err != nil {
		return 0, fmt.Errorf("max peak equity: %w", err)
	}
	return peak.Float64, nil
}

// RecordStopOut remembers the latest stop-out time for symbol.
func (d *Database) RecordStopOut(ctx context.Context, symbol string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO stop_outs (symbol, stopped_at) VALUES (?, ?)
		ON CONFLICT(symbol) DO UPDATE SET stopped_at = excluded.stopped_at
	`, symbol, toMillis(at))
	if err != nil {
		return fmt.Errorf("record stop-out %s: %w", symbol, err)
	}
	return nil
}

// StopOuts returns the latest stop-out time per symbol.
func (d *Database) StopOuts(ctx context.Context) (map[string]time.Time, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT symbol, stopped_at FROM stop_outs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			sym string
			at  int64
		)
		if err := rows.Scan(&sym, &at); err != nil {
			return nil, err
		}
		out[sym] = fromMillis(at)
	}
	return out, rows.Err()
}

// InsertReconciliationRun appends an audit record and returns its id.
func (d *Database) InsertReconciliationRun(ctx context.Context, r ReconciliationRun) (int64, error) {
	errs, err := json.Marshal(r.Errors)
	if err != nil {
		return 0, fmt.Errorf("marshal reconciliation errors: %w", err)
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (
			started_at, finished_at, fills_checked, fee_mismatches, qty_mismatches,
			orphan_fills, patched_entries, drift_usd, errors
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, toMillis(r.StartedAt), toMillis(r.FinishedAt), r.FillsChecked, r.FeeMismatches, r.QtyMismatches,
		r.OrphanFills, r.PatchedEntries, r.DriftUSD, string(errs))
	if err != nil {
		return 0, fmt.Errorf("insert reconciliation run: %w", err)
	}
	return res.LastInsertId()
}

// RecentReconciliationRuns returns up to limit audit records, newest first.
func (d *Database) RecentReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, started_at, finished_at, fills_checked, fee_mismatches, qty_mismatches,
		       orphan_fills, patched_entries, drift_usd, COALESCE(errors, '')
		FROM reconciliation_runs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ReconciliationRun
	for rows.Next() {
		var (
			r                 ReconciliationRun
			started, finished int64
			errs              string
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.FillsChecked, &r.FeeMismatches, &r.QtyMismatches,
			&r.OrphanFills, &r.PatchedEntries, &r.DriftUSD, &errs); err != nil {
			return nil, err
		}
		r.StartedAt = fromMillis(started)
		r.FinishedAt = fromMillis(finished)
		if errs != "" {
			if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
				return nil, fmt.Errorf("decode reconciliation errors: %w", err)
			}
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
