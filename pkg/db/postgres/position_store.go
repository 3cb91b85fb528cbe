package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tradeguard/pkg/db"
)

// PositionStore persists managed positions using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// UpsertManagedPosition stores the latest version of a position by id.
func (s *PositionStore) UpsertManagedPosition(ctx context.Context, p db.PositionRow) error {
	query := `
		INSERT INTO managed_positions (
			id, symbol, side, entry_price, quantity, state, stop_loss, take_profit, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			entry_price = EXCLUDED.entry_price,
			quantity = EXCLUDED.quantity,
			state = EXCLUDED.state,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.State,
		p.StopLoss, p.TakeProfit, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert managed position %s: %w", p.ID, err)
	}
	return nil
}

// ListActiveManagedPositions returns all positions not in the exited state.
func (s *PositionStore) ListActiveManagedPositions(ctx context.Context) ([]db.PositionRow, error) {
	query := `
		SELECT id, symbol, side, entry_price, quantity, state, stop_loss, take_profit, created_at, updated_at
		FROM managed_positions
		WHERE state <> 'exited'
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query managed positions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (db.PositionRow, error) {
		var p db.PositionRow
		err := row.Scan(&p.ID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity, &p.State,
			&p.StopLoss, &p.TakeProfit, &p.CreatedAt, &p.UpdatedAt)
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		return p, err
	})
}
