package position

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is a lifecycle stage of a managed position.
type State string

const (
	StateFlat         State = "flat"
	StatePendingEntry State = "pending_entry"
	StateFilled       State = "filled"
	StateManaging     State = "managing"
	StatePendingExit  State = "pending_exit"
	StateExited       State = "exited"
)

// transitions is the complete set of legal edges.
var transitions = map[State][]State{
	StateFlat:         {StatePendingEntry},
	StatePendingEntry: {StateFilled, StateFlat},
	StateFilled:       {StateManaging, StatePendingExit, StateExited},
	StateManaging:     {StatePendingExit, StateExited},
	StatePendingExit:  {StateExited, StateManaging},
	StateExited:       {StateFlat},
}

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateFlat, StatePendingEntry, StateFilled, StateManaging, StatePendingExit, StateExited}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns the legal targets of a state.
func AllowedFrom(from State) []State {
	out := make([]State, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ManagedPosition is one position's lifecycle record.
type ManagedPosition struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	State      State     `json:"state"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Update carries optional field changes applied with a transition.
type Update struct {
	EntryPrice *float64
	Quantity   *float64
	StopLoss   *float64
	TakeProfit *float64
}

// TransitionEvent is delivered to observers after a successful transition.
type TransitionEvent struct {
	Position ManagedPosition `json:"position"`
	From     State           `json:"from"`
	To       State           `json:"to"`
}

// Store persists positions keyed by id.
type Store interface {
	UpsertPosition(ctx context.Context, p ManagedPosition) error
	ListActivePositions(ctx context.Context) ([]ManagedPosition, error)
}

var (
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid position transition")
	// ErrNotFound is returned for unknown position ids.
	ErrNotFound = errors.New("position not found")
)

// InvalidTransitionError names the rejected edge.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("position %s: %s -> %s not allowed (allowed: %v)", e.ID, e.From, e.To, transitions[e.From])
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
