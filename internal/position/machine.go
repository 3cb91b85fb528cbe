package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Machine keeps an in-memory view of managed positions and persists every
// change before it becomes visible.
type Machine struct {
	store     Store
	now       func() time.Time
	positions map[string]ManagedPosition
	observers []observer
	nextObs   int
	mu        sync.RWMutex
	obsMu     sync.RWMutex
}

type observer struct {
	id int
	fn func(TransitionEvent)
}

// NewMachine creates a machine backed by store. A nil store keeps state in
// memory only.
func NewMachine(store Store) *Machine {
	return &Machine{
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		positions: make(map[string]ManagedPosition),
	}
}

// Load seeds in-memory state from the store on startup. Exited positions are
// not rehydrated.
func (m *Machine) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	list, err := m.store.ListActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range list {
		if p.State == StateExited {
			continue
		}
		m.positions[p.ID] = p
	}
	log.Info().Int("positions", len(m.positions)).Msg("positions rehydrated")
	return nil
}

// Subscribe registers fn for every future transition. Observers run
// synchronously in registration order; the returned func unsubscribes.
func (m *Machine) Subscribe(fn func(TransitionEvent)) (unsubscribe func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextObs++
	id := m.nextObs
	m.observers = append(m.observers, observer{id: id, fn: fn})
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Create opens a new position in the flat state.
func (m *Machine) Create(ctx context.Context, symbol string, side Side, entryPrice, qty float64) (ManagedPosition, error) {
	now := m.now()
	p := ManagedPosition{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entryPrice,
		Quantity:   qty,
		State:      StateFlat,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.persist(ctx, p); err != nil {
		return ManagedPosition{}, err
	}
	m.mu.Lock()
	m.positions[p.ID] = p
	m.mu.Unlock()
	return p, nil
}

// Transition moves position id to state to, applying upd. Illegal edges fail
// with *InvalidTransitionError and leave the position unchanged; so does a
// persistence failure.
func (m *Machine) Transition(ctx context.Context, id string, to State, upd *Update) (ManagedPosition, error) {
	m.mu.Lock()
	cur, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return ManagedPosition{}, fmt.Errorf("transition %s: %w", id, ErrNotFound)
	}
	if !CanTransition(cur.State, to) {
		m.mu.Unlock()
		return cur, &InvalidTransitionError{ID: id, From: cur.State, To: to}
	}

	next := cur
	next.State = to
	next.UpdatedAt = m.now()
	if upd != nil {
		if upd.EntryPrice != nil {
			next.EntryPrice = *upd.EntryPrice
		}
		if upd.Quantity != nil {
			next.Quantity = *upd.Quantity
		}
		if upd.StopLoss != nil {
			v := *upd.StopLoss
			next.StopLoss = &v
		}
		if upd.TakeProfit != nil {
			v := *upd.TakeProfit
			next.TakeProfit = &v
		}
	}
	if err := m.persist(ctx, next); err != nil {
		m.mu.Unlock()
		return cur, err
	}
	m.positions[id] = next
	m.mu.Unlock()

	log.Info().Str("position_id", id).Str("symbol", next.Symbol).
		Str("from", string(cur.State)).Str("to", string(to)).Msg("position transition")
	m.notify(TransitionEvent{Position: next, From: cur.State, To: to})
	return next, nil
}

func (m *Machine) persist(ctx context.Context, p ManagedPosition) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.UpsertPosition(ctx, p); err != nil {
		return fmt.Errorf("persist position %s: %w", p.ID, err)
	}
	return nil
}

func (m *Machine) notify(ev TransitionEvent) {
	m.obsMu.RLock()
	obs := make([]observer, len(m.observers))
	copy(obs, m.observers)
	m.obsMu.RUnlock()
	for _, o := range obs {
		o.fn(ev)
	}
}

// Get returns a position by id, including exited ones created or loaded by
// this process.
func (m *Machine) Get(id string) (ManagedPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	return p, ok
}

// BySymbol returns the active position for symbol, preferring the most
// recently updated one.
func (m *Machine) BySymbol(symbol string) (ManagedPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  ManagedPosition
		found bool
	)
	for _, p := range m.positions {
		if p.Symbol != symbol || p.State == StateExited {
			continue
		}
		if !found || p.UpdatedAt.After(best.UpdatedAt) {
			best, found = p, true
		}
	}
	return best, found
}

// Active returns a snapshot of all non-exited positions ordered by creation.
func (m *Machine) Active() []ManagedPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]ManagedPosition, 0, len(m.positions))
	for _, p := range m.positions {
		if p.State != StateExited {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res
}
