// Package terminal defines what the session layer needs from a terminal
// emulator: somewhere to feed host output, and a stream of keystroke and
// resize events to send back.
package terminal

import "fmt"

type EventKind int

const (
	Keys EventKind = iota
	Resize
)

// Event is one outbound input event. Data is set for Keys, Cols and Rows for
// Resize.
type Event struct {
	Kind EventKind
	Data []byte
	Cols int
	Rows int
}

func KeysEvent(b []byte) Event { return Event{Kind: Keys, Data: b} }

func ResizeEvent(cols, rows int) Event { return Event{Kind: Resize, Cols: cols, Rows: rows} }

func (e Event) String() string {
	if e.Kind == Resize {
		return fmt.Sprintf("resize %dx%d", e.Cols, e.Rows)
	}
	return fmt.Sprintf("keys %d bytes", len(e.Data))
}

// Sink is the capability a terminal view provides.
//
// Feed must return quickly; it may queue internally but must not hold on to
// the slice after returning. InputEvents returns the same channel on every
// call, so a consumer that resubscribes after a reconnect continues where the
// previous one stopped. The channel is closed when the terminal goes away.
type Sink interface {
	Feed(p []byte)
	InputEvents() <-chan Event
}
