package adapter

import "time"

// State is the lifecycle state of an adapter instance.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitializing  State = "INITIALIZING"
	StateIdle          State = "IDLE"
	StateActive        State = "ACTIVE"
	StateInactive      State = "INACTIVE"
	StateDisabled      State = "DISABLED"
)

func (s State) String() string { return string(s) }

// TransitionTable lists the states reachable from each state.
type TransitionTable map[State][]State

// ValidTransitions is the adapter lifecycle. DISABLED is terminal.
// INITIALIZING falls back to UNINITIALIZED when site setup fails so it can be retried.
var ValidTransitions = TransitionTable{
	StateUninitialized: {StateInitializing, StateDisabled},
	StateInitializing:  {StateIdle, StateUninitialized, StateDisabled},
	StateIdle:          {StateActive, StateDisabled},
	StateActive:        {StateInactive, StateDisabled},
	StateInactive:      {StateActive, StateDisabled},
	StateDisabled:      {},
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to State) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition records one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

const maxHistory = 32
