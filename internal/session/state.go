package session

import "fmt"

// State is a step of the pick workflow.
type State int

const (
	StateIdle State = iota
	StatePermissionPending
	StateDenied
	StatePickerOpen
	StateCancelled
	StateResolving
	// StateRejected means the selection could not be resolved; the caller
	// must prompt again.
	StateRejected
	StateResolved
	// StateStaged means the content is expected in a private cache file
	// until FinishBackup publishes it.
	StateStaged
	StateTransferring
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StatePermissionPending: "permission-pending",
	StateDenied:            "denied",
	StatePickerOpen:        "picker-open",
	StateCancelled:         "cancelled",
	StateResolving:         "resolving",
	StateRejected:          "rejected",
	StateResolved:          "resolved",
	StateStaged:            "staged",
	StateTransferring:      "transferring",
	StateDone:              "done",
	StateFailed:            "failed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateDenied, StateCancelled, StateRejected, StateResolved, StateDone, StateFailed:
		return true
	}
	return false
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateIdle:              {StatePermissionPending, StateStaged, StateRejected},
	StatePermissionPending: {StateDenied, StatePickerOpen, StateFailed},
	StatePickerOpen:        {StateCancelled, StateResolving, StateFailed},
	StateResolving:         {StateRejected, StateResolved, StateFailed},
	StateStaged:            {StateTransferring},
	StateTransferring:      {StateDone, StateStaged},
}

// canTransition reports whether from -> to is a legal step.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
