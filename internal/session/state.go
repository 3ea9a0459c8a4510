package session

import (
	"fmt"

	"github.com/kestrelvnc/trfb/internal/logging"
)

// State is one state of the per-connection handshake/run state machine.
type State int

const (
	StateNew State = iota
	VersionChosen
	Authed
	Inited
	Running
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case VersionChosen:
		return "VERSION_CHOSEN"
	case Authed:
		return "AUTHED"
	case Inited:
		return "INITED"
	case Running:
		return "RUNNING"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions enumerates the legal moves in the RFB handshake state
// machine. Every non-terminal state may also fall straight through to
// Closing on error.
var validTransitions = map[State][]State{
	StateNew:      {VersionChosen, Closing},
	VersionChosen: {Authed, Closing},
	Authed:        {Inited, Closing},
	Inited:        {Running, Closing},
	Running:       {Closing},
	Closing:       {Closed},
	Closed:        {},
}

// TransitionError reports an attempted state transition that isn't in
// validTransitions.
type TransitionError struct {
	Handle   string
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("connection %s: invalid transition %s -> %s", e.Handle, e.From, e.To)
}

// CanTransition reports whether to is reachable directly from from.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no further transitions.
func IsTerminal(s State) bool { return s == Closed }

// logTransition writes an info line describing the transition.
func logTransition(logger logging.Logger, handle string, from, to State) {
	if logger == nil {
		return
	}
	logger.Infof("connection %s: %s -> %s", handle, from, to)
}
