// Package flows implements the short-lived interactive flows a reader goes
// through: offers, contributions, payment, account linking and login. Each
// flow opens a remote surface through activity.Host, reacts to the typed
// messages it sends and reports its lifecycle on the callback bus.
package flows

import (
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/metrics"
)

// State is a flow's position in its lifecycle.
type State string

const (
	StateConstructed     State = "constructed"
	StateAwaitingSurface State = "awaiting_surface"
	StateOpen            State = "open"
	StateCompleted       State = "completed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Transition represents a valid state transition.
type Transition struct {
	From State
	To   State
}

var validTransitions = map[Transition]bool{
	{StateConstructed, StateAwaitingSurface}: true,
	{StateConstructed, StateCompleted}:       true, // Handed straight to payment
	{StateConstructed, StateCancelled}:       true, // Payment cancelled before confirmation
	{StateAwaitingSurface, StateOpen}:        true,
	{StateAwaitingSurface, StateCancelled}:   true, // Dismissed before ready
	{StateAwaitingSurface, StateCompleted}:   true, // Surface failed to open
	{StateOpen, StateCompleted}:              true,
	{StateOpen, StateCancelled}:              true,
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target states from the given state.
func ValidTransitionsFrom(from State) []State {
	targets := make([]State, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

// lifecycle is embedded by every flow.
type lifecycle struct {
	id   string
	name string

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
}

func newLifecycle(name string) *lifecycle {
	l := &lifecycle{
		id:    ulid.Make().String(),
		name:  name,
		state: StateConstructed,
		done:  make(chan struct{}),
	}
	metrics.GetAccessMetrics().RecordFlow(name, string(StateConstructed))
	return l
}

// ID is a unique, time ordered identifier of this flow instance.
func (l *lifecycle) ID() string { return l.id }

// Name is the flow name reported to lifecycle callbacks.
func (l *lifecycle) Name() string { return l.name }

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done is closed once the flow reaches a terminal state.
func (l *lifecycle) Done() <-chan struct{} { return l.done }

// Err is the failure that completed the flow, if any. Cancellation is not a
// failure and leaves Err nil.
func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *lifecycle) transition(to State) bool {
	return l.finish(to, nil)
}

func (l *lifecycle) finish(to State, err error) bool {
	return l.enter(to, err, nil)
}

// enter moves to the target state. notify runs after the move and before Done
// is closed, so waiters observe its effects.
func (l *lifecycle) enter(to State, err error, notify func()) bool {
	l.mu.Lock()
	from := l.state
	if !CanTransition(from, to) {
		l.mu.Unlock()
		log.Debug().Str("flow", l.name).Str("id", l.id).Str("from", string(from)).Str("to", string(to)).Msg("Ignoring invalid flow transition")
		return false
	}
	l.state = to
	if err != nil {
		l.err = err
	}
	l.mu.Unlock()

	metrics.GetAccessMetrics().RecordFlow(l.name, string(to))
	log.Debug().Str("flow", l.name).Str("id", l.id).Str("from", string(from)).Str("to", string(to)).Msg("Flow transition")
	if notify != nil {
		notify()
	}
	if to.Terminal() {
		close(l.done)
	}
	return true
}
