package event

import (
	"sync/atomic"
	"time"
)

// Kind identifies a lifecycle event emitted by the link, the session or the
// stack itself.
type Kind int

const (
	LinkConnected Kind = iota + 1
	LinkDisconnected
	LinkGotTransport
	LinkLostTransport
	LinkReconnecting
	SessionConnected
	SessionDisconnected
	SessionData
	SessionError
	StackReady
	Error
)

var kindNames = map[Kind]string{
	LinkConnected:       "link_connected",
	LinkDisconnected:    "link_disconnected",
	LinkGotTransport:    "link_got_transport",
	LinkLostTransport:   "link_lost_transport",
	LinkReconnecting:    "link_reconnecting",
	SessionConnected:    "session_connected",
	SessionDisconnected: "session_disconnected",
	SessionData:         "session_data",
	SessionError:        "session_error",
	StackReady:          "stack_ready",
	Error:               "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a single lifecycle notification. Payload depends on Kind:
// LinkGotTransport carries the address string, SessionData carries the
// received message, error kinds carry an error.
type Event struct {
	Kind    Kind
	Payload any
	Time    time.Time
}

func New(kind Kind, payload any) Event {
	return Event{Kind: kind, Payload: payload, Time: time.Now().UTC()}
}

// Err returns the payload as an error when it is one.
func (e Event) Err() error {
	err, _ := e.Payload.(error)
	return err
}

// Observer receives events. HandleEvent is called synchronously from the
// goroutine that caused the transition; implementations must not block for
// long and must not call back into the component that emitted the event.
type Observer interface {
	HandleEvent(Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) HandleEvent(ev Event) {
	if f != nil {
		f(ev)
	}
}

// Discard drops every event.
var Discard Observer = ObserverFunc(nil)

// ChanObserver forwards events into a bounded channel consumed by an
// owner-chosen goroutine. When the channel is full the event is dropped and
// counted.
type ChanObserver struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewChanObserver(size int) *ChanObserver {
	if size <= 0 {
		size = 16
	}
	return &ChanObserver{ch: make(chan Event, size)}
}

func (c *ChanObserver) HandleEvent(ev Event) {
	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
}

func (c *ChanObserver) C() <-chan Event { return c.ch }

func (c *ChanObserver) Dropped() uint64 { return c.dropped.Load() }
