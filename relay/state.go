package relay

import "fmt"

// State is the lifecycle position of one turn.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateStreaming
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving_conversation"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateIdle:       {StateResolving, StateFailed},
	StateResolving:  {StateStreaming, StateFailed},
	StateStreaming:  {StateFinalizing, StateFailed},
	StateFinalizing: {StateDone, StateFailed},
}

// CanTransition reports whether a turn in state from may move to state to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
