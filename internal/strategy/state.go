package strategy

import (
	"fmt"
	"sync"

	"weekly-er-engine/internal/observ"
)

// State of the weekly cycle.
type State string

const (
	StateIdle                 State = "Idle"
	StateAwaitingEntryWindow  State = "AwaitingEntryWindow"
	StateEvaluatingRegime     State = "EvaluatingRegime"
	StateSelecting            State = "Selecting"
	StateEnteringPositions    State = "EnteringPositions"
	StateMonitoring           State = "Monitoring"
	StatePaused               State = "Paused"
	StateExitingAll           State = "ExitingAll"
	StateEmergencyLiquidating State = "EmergencyLiquidating"
)

// transitions lists the legal next states. EmergencyLiquidating is
// reachable from anywhere and is handled separately.
var transitions = map[State][]State{
	StateIdle:                 {StateAwaitingEntryWindow},
	StateAwaitingEntryWindow:  {StateEvaluatingRegime, StateIdle},
	StateEvaluatingRegime:     {StateSelecting, StateIdle},
	StateSelecting:            {StateEnteringPositions, StateIdle},
	StateEnteringPositions:    {StateMonitoring, StateExitingAll},
	StateMonitoring:           {StatePaused, StateExitingAll},
	StatePaused:               {StateMonitoring, StateExitingAll},
	StateExitingAll:           {StateIdle},
	StateEmergencyLiquidating: {StateIdle},
}

// Machine is the cycle state holder. Transitions are validated; an
// illegal transition is an error, not a panic, so the caller can halt
// cleanly.
type Machine struct {
	mu    sync.Mutex
	state State
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to == StateEmergencyLiquidating {
		return m.set(to)
	}
	for _, next := range transitions[m.state] {
		if next == to {
			return m.set(to)
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", m.state, to)
}

func (m *Machine) set(to State) error {
	from := m.state
	m.state = to
	observ.Log("state_transition", map[string]any{"from": string(from), "to": string(to)})
	observ.IncCounter("state_transitions_total", map[string]string{"to": string(to)})
	return nil
}
