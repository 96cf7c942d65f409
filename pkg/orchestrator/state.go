package orchestrator

import (
	"strings"

	"github.com/harun/ctxlab/pkg/agent"
)

// State is a step of the run state machine.
type State int

const (
	StateEnriching State = iota
	StateInferring
	StateToolDispatch
	StateStreamingFinal
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEnriching:
		return "ENRICHING"
	case StateInferring:
		return "INFERRING"
	case StateToolDispatch:
		return "TOOL_DISPATCH"
	case StateStreamingFinal:
		return "STREAMING_FINAL"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var transitions = map[State][]State{
	StateEnriching:      {StateInferring},
	StateInferring:      {StateToolDispatch, StateStreamingFinal},
	StateToolDispatch:   {StateInferring},
	StateStreamingFinal: {StateDone},
}

// CanTransition reports whether the machine may move from one state to
// another. FAILED is reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LoopState is the mutable state of one run.
type LoopState struct {
	State     State
	Iteration int
	Reasoning strings.Builder
	Answer    strings.Builder
	Pending   []agent.ToolCall
	History   []State
}

func newLoopState() *LoopState {
	return &LoopState{State: StateEnriching, History: []State{StateEnriching}}
}

// advance moves to the next state. An illegal move is a programming error.
func (s *LoopState) advance(to State) {
	if !CanTransition(s.State, to) {
		panic("orchestrator: illegal transition " + s.State.String() + " -> " + to.String())
	}
	s.State = to
	s.History = append(s.History, to)
}
