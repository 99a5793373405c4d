package session

import "fmt"

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var allowedTransitions = map[State]map[State]struct{}{
	Disconnected: {Connecting: {}},
	Connecting:   {Connected: {}, Error: {}, Disconnected: {}},
	Connected:    {Disconnected: {}, Error: {}},
	Error:        {Connecting: {}, Disconnected: {}},
}

func CanTransition(from, to State) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}
