package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mercuryim/mercury/internal/bus"
)

// State represents where a profile's stores are in their open lifecycle.
type State string

const (
	Closed    State = "CLOSED"
	Opening   State = "OPENING"
	Migrating State = "MIGRATING"
	Ready     State = "READY"
	Error     State = "ERROR"
)

// validTransitions defines allowed state transitions. Error is reachable
// from every live state; a failed open can only be retried from scratch.
var validTransitions = map[State][]State{
	Closed:    {Opening, Error},
	Opening:   {Migrating, Error},
	Migrating: {Ready, Error},
	Ready:     {Closed, Error},
	Error:     {Opening},
}

// Machine tracks and enforces store lifecycle transitions. Nothing may read
// or write the stores before the machine reaches Ready; a migration failure
// parks it in Error and aborts startup.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Closed state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Closed,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "store.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
