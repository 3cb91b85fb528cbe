package position

import (
	"context"

	"tradeguard/pkg/db"
)

// RowStore is the row-level persistence both SQL backends provide.
type RowStore interface {
	UpsertManagedPosition(ctx context.Context, p db.PositionRow) error
	ListActiveManagedPositions(ctx context.Context) ([]db.PositionRow, error)
}

// SQLStore adapts a RowStore (SQLite or Postgres) to Store.
type SQLStore struct {
	rows RowStore
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps rows.
func NewSQLStore(rows RowStore) *SQLStore {
	return &SQLStore{rows: rows}
}

func (s *SQLStore) UpsertPosition(ctx context.Context, p ManagedPosition) error {
	return s.rows.UpsertManagedPosition(ctx, db.PositionRow{
		ID:         p.ID,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		EntryPrice: p.EntryPrice,
		Quantity:   p.Quantity,
		State:      string(p.State),
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	})
}

func (s *SQLStore) ListActivePositions(ctx context.Context) ([]ManagedPosition, error) {
	rows, err := s.rows.ListActiveManagedPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ManagedPosition, 0, len(rows))
	for _, r := range rows {
		out = append(out, ManagedPosition{
			ID:         r.ID,
			Symbol:     r.Symbol,
			Side:       Side(r.Side),
			EntryPrice: r.EntryPrice,
			Quantity:   r.Quantity,
			State:      State(r.State),
			StopLoss:   r.StopLoss,
			TakeProfit: r.TakeProfit,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return out, nil
}
