package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/roomsync/internal/bus"
)

// State represents the session's connection and sync state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions. Every state can fall
// back to Disconnected on logout.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Syncing, Reconnecting, Disconnected},
	Syncing:      {Ready, Reconnecting, Disconnected},
	Ready:        {Reconnecting, Disconnected},
	Reconnecting: {Syncing, Disconnected},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Ready reports whether the first sync after connecting has completed.
// Renderers gate on this flag.
func (m *Machine) Ready() bool {
	return m.Current() == Ready
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionFrom moves to `to` only when the current state is one of `from`.
// It reports whether the transition happened.
func (m *Machine) TransitionFrom(to State, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, m.current) {
		return false
	}
	return m.transitionLocked(to) == nil
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind: bus.KindStatusChanged,
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
