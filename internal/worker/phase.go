package worker

import (
	"fmt"
	"sync"
)

// Phase is a step in the life of a remote job.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseBootstrapped Phase = "bootstrapped"
	PhaseTransferring Phase = "transferring"
	PhaseExecuting    Phase = "executing"
	PhaseCleaning     Phase = "cleaning"
)

var allowedTransitions = map[Phase][]Phase{
	PhaseDisconnected: {PhaseConnecting},
	PhaseConnecting:   {PhaseConnected, PhaseDisconnected},
	PhaseConnected:    {PhaseBootstrapped, PhaseTransferring, PhaseDisconnected},
	PhaseBootstrapped: {PhaseTransferring},
	PhaseTransferring: {PhaseExecuting, PhaseCleaning},
	PhaseExecuting:    {PhaseCleaning},
	PhaseCleaning:     {PhaseDisconnected},
}

func isAllowedTransition(from, to Phase) bool {
	for _, p := range allowedTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// PhaseMachine tracks the current phase of a remote worker and the phases
// visited by its latest job.
type PhaseMachine struct {
	mu      sync.Mutex
	current Phase
	history []Phase
}

// NewPhaseMachine starts in PhaseDisconnected.
func NewPhaseMachine() *PhaseMachine {
	return &PhaseMachine{current: PhaseDisconnected, history: []Phase{PhaseDisconnected}}
}

// Transition moves to the next phase, rejecting moves not in the table.
func (m *PhaseMachine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !isAllowedTransition(m.current, to) {
		return fmt.Errorf("disallowed phase transition: %s -> %s", m.current, to)
	}
	m.current = to
	m.history = append(m.history, to)
	return nil
}

// Current returns the current phase.
func (m *PhaseMachine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns the phases visited since the last Reset.
func (m *PhaseMachine) History() []Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Phase(nil), m.history...)
}

// Reset clears the history, keeping the current phase as its first entry.
func (m *PhaseMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = []Phase{m.current}
}
