package link

import "fmt"

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var allowedTransitions = map[State]map[State]struct{}{
	Idle:          {Connecting: {}},
	Connecting:    {Connected: {}, Error: {}, Idle: {}},
	Connected:     {Disconnecting: {}, Idle: {}},
	Disconnecting: {Idle: {}},
	Error:         {Connecting: {}, Idle: {}},
}

// CanTransition reports whether from -> to is a legal link transition.
func CanTransition(from, to State) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}
