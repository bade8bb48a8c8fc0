package suggest

// State is the phase of one typing session.
type State int

const (
	Idle State = iota
	Debouncing
	Requesting
	Success
	Empty
	Error
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Debouncing:
		return "debouncing"
	case Requesting:
		return "requesting"
	case Success:
		return "success"
	case Empty:
		return "empty"
	case Error:
		return "error"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Settled reports whether s is a terminal outcome of a cycle.
func (s State) Settled() bool {
	switch s {
	case Success, Empty, Error, Aborted:
		return true
	}
	return false
}

// transitions lists the legal successor states of every state. A new input
// may interrupt any state, so Debouncing is reachable from everywhere.
var transitions = map[State][]State{
	Idle:       {Debouncing},
	Debouncing: {Debouncing, Requesting, Success, Empty},
	Requesting: {Debouncing, Success, Empty, Error, Aborted},
	Success:    {Debouncing},
	Empty:      {Debouncing},
	Error:      {Debouncing},
	Aborted:    {Debouncing},
}

// CanTransition reports whether the coordinator may move from one state to
// another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
