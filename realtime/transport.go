// Package realtime delivers mint-side state notifications to the rest
// of the engine over a hybrid of a persistent WebSocket connection and
// periodic polling.
// HybridTransport is the composition consumers use; WSTransport and
// PollingTransport are its two legs, each independently usable behind
// the same Transport interface.
package realtime

import "context"

// EventKind is the closed set of transport events: open, message,
// close, error, each with a fixed payload shape on Event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the fixed payload delivered to handlers. Message is non-nil
// only for EventMessage; Code/Reason only for EventClose; Err only for
// EventError.
type Event struct {
	Kind    EventKind
	MintURL string
	Message *Envelope
	Code    int
	Reason  string
	Err     error
}

// Handler receives transport events for one mint. Handlers are invoked
// from the transport's own goroutines; they must not block for long and
// must not assume ordering across concurrent notifications.
type Handler func(Event)

// Transport is the surface both legs and their hybrid composition
// share. Events fire per mint; handlers registered for a (mint, kind)
// pair all run on each matching event.
type Transport interface {
	On(mintURL string, kind EventKind, h Handler)
	Send(ctx context.Context, mintURL string, req Request) error
	CloseMint(mintURL string)
	CloseAll()
	Pause()
	Resume()
}
