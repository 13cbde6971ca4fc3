package lifecycle

import (
	"fmt"
	"sync"
)

type State int

const (
	Uninitialized State = iota
	Starting
	Ready
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Starting:
		return "Starting"
	case Ready:
		return "Ready"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Any state except Stopped may move to Failed. A Failed resource still
// holds handles until it is released through Stopping.
var transitions = map[State][]State{
	Uninitialized: {Starting, Failed},
	Starting:      {Ready, Failed},
	Ready:         {Stopping, Failed},
	Stopping:      {Stopped, Failed},
	Failed:        {Stopping},
	Stopped:       {},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine guards one resource's state.
type Machine struct {
	name string

	mu      sync.Mutex
	state   State
	failure error
}

func NewMachine(name string) *Machine {
	return &Machine{name: name}
}

func (m *Machine) Name() string {
	return m.name
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failure is the error that moved the machine to Failed, if any.
func (m *Machine) Failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionFrom moves to `to` only if the machine is currently in `from`.
func (m *Machine) TransitionFrom(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return NewError(StateConflict, m.name, "expected %s, was %s", from, m.state)
	}
	return m.transitionLocked(to)
}

// Fail records cause and moves to Failed. It returns cause for convenience.
// Failing a Stopped machine leaves it Stopped.
func (m *Machine) Fail(cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Stopped || m.state == Failed {
		return cause
	}
	m.failure = cause
	m.state = Failed
	return cause
}

func (m *Machine) transitionLocked(to State) error {
	if !canTransition(m.state, to) {
		return NewError(StateConflict, m.name, "cannot go from %s to %s", m.state, to)
	}
	m.state = to
	return nil
}
