package position

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) UpsertPosition(ctx context.Context, p ManagedPosition) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.UpsertPosition(ctx, p)
}

func ptr(v float64) *float64 { return &v }

func TestCreateStartsFlatAndPersists(t *testing.T) {
	store := NewMemoryStore()
	m := NewMachine(store)

	p, err := m.Create(context.Background(), "BTCUSDT", SideLong, 50000, 0.1)
	require.NoError(t, err)
	assert.Equal(t, StateFlat, p.State)
	assert.NotEmpty(t, p.ID)

	stored, ok := store.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, p, stored)
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMachine(store)
	p, err := m.Create(ctx, "BTCUSDT", SideLong, 50000, 0.1)
	require.NoError(t, err)

	path := []State{StatePendingEntry, StateFilled, StateManaging, StatePendingExit, StateManaging, StatePendingExit, StateExited, StateFlat}
	for _, to := range path {
		p, err = m.Transition(ctx, p.ID, to, nil)
		require.NoError(t, err, "-> %s", to)
		assert.Equal(t, to, p.State)
		stored, _ := store.Get(p.ID)
		assert.Equal(t, to, stored.State)
	}
}

func TestTransitionAppliesUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(NewMemoryStore())
	p, err := m.Create(ctx, "ETHUSDT", SideLong, 0, 0)
	require.NoError(t, err)
	_, err = m.Transition(ctx, p.ID, StatePendingEntry, nil)
	require.NoError(t, err)

	p, err = m.Transition(ctx, p.ID, StateFilled, &Update{EntryPrice: ptr(3000), Quantity: ptr(2), StopLoss: ptr(2900), TakeProfit: ptr(3300)})
	require.NoError(t, err)
	assert.Equal(t, 3000.0, p.EntryPrice)
	assert.Equal(t, 2.0, p.Quantity)
	require.NotNil(t, p.StopLoss)
	assert.Equal(t, 2900.0, *p.StopLoss)
	require.NotNil(t, p.TakeProfit)
	assert.Equal(t, 3300.0, *p.TakeProfit)
}

// Every state rejects every target outside its row and stays put.
func TestIllegalTransitionsFailAndLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	reach := map[State][]State{
		StateFlat:         nil,
		StatePendingEntry: {StatePendingEntry},
		StateFilled:       {StatePendingEntry, StateFilled},
		StateManaging:     {StatePendingEntry, StateFilled, StateManaging},
		StatePendingExit:  {StatePendingEntry, StateFilled, StatePendingExit},
		StateExited:       {StatePendingEntry, StateFilled, StateExited},
	}

	for _, from := range AllStates {
		for _, to := range AllStates {
			if CanTransition(from, to) {
				continue
			}
			m := NewMachine(NewMemoryStore())
			p, err := m.Create(ctx, "BTCUSDT", SideLong, 1, 1)
			require.NoError(t, err)
			for _, step := range reach[from] {
				_, err = m.Transition(ctx, p.ID, step, nil)
				require.NoError(t, err)
			}
			before, _ := m.Get(p.ID)
			require.Equal(t, from, before.State)

			_, err = m.Transition(ctx, p.ID, to, nil)
			require.Error(t, err, "%s -> %s", from, to)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			var ite *InvalidTransitionError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, from, ite.From)
			assert.Equal(t, to, ite.To)

			after, _ := m.Get(p.ID)
			assert.Equal(t, before, after)
		}
	}
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	m := NewMachine(store)
	p, err := m.Create(ctx, "BTCUSDT", SideLong, 1, 1)
	require.NoError(t, err)

	notified := false
	m.Subscribe(func(TransitionEvent) { notified = true })

	store.fail = true
	_, err = m.Transition(ctx, p.ID, StatePendingEntry, nil)
	require.Error(t, err)
	got, _ := m.Get(p.ID)
	assert.Equal(t, StateFlat, got.State)
	assert.False(t, notified)
}

func TestObserversRunInOrderAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(nil)
	p, err := m.Create(ctx, "BTCUSDT", SideLong, 1, 1)
	require.NoError(t, err)

	var calls []string
	var firstEvent TransitionEvent
	unsubA := m.Subscribe(func(ev TransitionEvent) {
		calls = append(calls, "a")
		firstEvent = ev
	})
	m.Subscribe(func(TransitionEvent) { calls = append(calls, "b") })

	_, err = m.Transition(ctx, p.ID, StatePendingEntry, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Equal(t, StateFlat, firstEvent.From)
	assert.Equal(t, StatePendingEntry, firstEvent.To)
	assert.Equal(t, p.ID, firstEvent.Position.ID)

	unsubA()
	_, err = m.Transition(ctx, p.ID, StateFlat, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "b"}, calls)
}

func TestLoadSkipsExited(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMachine(store)

	open, err := m.Create(ctx, "BTCUSDT", SideLong, 1, 1)
	require.NoError(t, err)
	closed, err := m.Create(ctx, "ETHUSDT", SideLong, 1, 1)
	require.NoError(t, err)
	for _, s := range []State{StatePendingEntry, StateFilled, StateExited} {
		_, err = m.Transition(ctx, closed.ID, s, nil)
		require.NoError(t, err)
	}
	assert.Len(t, m.Active(), 1)

	restarted := NewMachine(store)
	require.NoError(t, restarted.Load(ctx))
	active := restarted.Active()
	require.Len(t, active, 1)
	assert.Equal(t, open.ID, active[0].ID)
	_, ok := restarted.Get(closed.ID)
	assert.False(t, ok)
}

func TestTransitionUnknownID(t *testing.T) {
	m := NewMachine(nil)
	_, err := m.Transition(context.Background(), "nope", StatePendingEntry, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBySymbolIgnoresExited(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(nil)
	p, err := m.Create(ctx, "BTCUSDT", SideLong, 1, 1)
	require.NoError(t, err)
	_, ok := m.BySymbol("BTCUSDT")
	assert.True(t, ok)

	for _, s := range []State{StatePendingEntry, StateFilled, StateExited} {
		_, err = m.Transition(ctx, p.ID, s, nil)
		require.NoError(t, err)
	}
	_, ok = m.BySymbol("BTCUSDT")
	assert.False(t, ok)
}
