package scheduler

import "fmt"

// State is the scheduler's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateEvaluating
	StatePlanning
	StateExecuting
	StateRecording
	StateSleeping
	StateBackoff
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateEvaluating: "evaluating",
	StatePlanning:   "planning",
	StateExecuting:  "executing",
	StateRecording:  "recording",
	StateSleeping:   "sleeping",
	StateBackoff:    "backoff",
	StateStopped:    "stopped",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether the scheduler will not run another cycle.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown scheduler state %q", text)
}
