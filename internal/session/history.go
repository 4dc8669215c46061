package session

import "time"

// transitionBufferSize is the number of transitions kept per connection.
const transitionBufferSize = 50

type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// history is a fixed-size ring buffer of transitions.
type history struct {
	entries [transitionBufferSize]Transition
	head    int
	count   int
}

func (h *history) record(t Transition) {
	h.entries[h.head] = t
	h.head = (h.head + 1) % transitionBufferSize
	if h.count < transitionBufferSize {
		h.count++
	}
}

// list returns the transitions oldest first.
func (h *history) list() []Transition {
	if h.count == 0 {
		return nil
	}
	out := make([]Transition, h.count)
	if h.count < transitionBufferSize {
		copy(out, h.entries[:h.count])
	} else {
		n := copy(out, h.entries[h.head:])
		copy(out[n:], h.entries[:h.head])
	}
	return out
}
