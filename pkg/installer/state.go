package installer

import "fmt"

// State is the position of a run in the installation state machine.
type State int

const (
	Downloading State = iota
	CheckingSignatures
	EnterFlashMode
	Flashing
	Restarting
	Done
	Error
)

var stateNames = [...]string{
	Downloading:        "DOWNLOADING",
	CheckingSignatures: "CHECKING_SIGNATURES",
	EnterFlashMode:     "ENTER_FLASH_MODE",
	Flashing:           "FLASHING",
	Restarting:         "RESTARTING",
	Done:               "DONE",
	Error:              "ERROR",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Done || s == Error
}

// CanTransitionTo reports whether next may follow s: one step forward, or
// ERROR from any non-terminal state.
func (s State) CanTransitionTo(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == Error {
		return true
	}
	return next == s+1
}

// AllStates lists every state in order.
func AllStates() []State {
	return []State{Downloading, CheckingSignatures, EnterFlashMode, Flashing, Restarting, Done, Error}
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for _, s := range AllStates() {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown installation state %q", name)
}
