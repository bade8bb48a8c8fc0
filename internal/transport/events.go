package transport

import (
	"time"

	"github.com/whisper/assistchat/internal/protocol"
)

// ReadyState mirrors the readiness states of a browser WebSocket.
type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one typed notification produced by a Session. Events are delivered
// to the Handler in arrival order from a single goroutine.
type Event interface {
	event()
}

// HistoryEvent carries a full resynchronization of the message view.
type HistoryEvent struct {
	Messages []protocol.Message
}

// MessageEvent carries one appended message.
type MessageEvent struct {
	Message protocol.Message
}

// UsersEvent carries a complete replacement roster.
type UsersEvent struct {
	Names []string
}

// ErrorEvent carries a non-fatal server error.
type ErrorEvent struct {
	Message string
}

// StateEvent reports a lifecycle change. When State is Closed and the session
// will retry, ReconnectIn holds the delay before the next attempt; it is zero
// once the session has been logged out.
type StateEvent struct {
	State       ReadyState
	Err         error
	ReconnectIn time.Duration
}

func (HistoryEvent) event() {}
func (MessageEvent) event() {}
func (UsersEvent) event()   {}
func (ErrorEvent) event()   {}
func (StateEvent) event()   {}

// Handler consumes session events.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Handlers fans each event out to every handler in order.
type Handlers []Handler

// HandleEvent delivers ev to each handler.
func (hs Handlers) HandleEvent(ev Event) {
	for _, h := range hs {
		if h != nil {
			h.HandleEvent(ev)
		}
	}
}
