package terminal

import (
	"bytes"
	"sync"
	"time"
)

// Recorder is an in-memory Sink. It keeps everything fed to it and lets the
// caller inject input events. Useful for headless sessions and tests.
type Recorder struct {
	mu     sync.Mutex
	out    bytes.Buffer
	feeds  int
	notify chan struct{}

	input     chan Event
	closeOnce sync.Once
}

func NewRecorder(inputBuffer int) *Recorder {
	return &Recorder{
		notify: make(chan struct{}, 1),
		input:  make(chan Event, inputBuffer),
	}
}

func (r *Recorder) Feed(p []byte) {
	r.mu.Lock()
	r.out.Write(p)
	r.feeds++
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) InputEvents() <-chan Event { return r.input }

// Send queues an input event, blocking while the input buffer is full.
func (r *Recorder) Send(ev Event) { r.input <- ev }

// CloseInput ends the input stream.
func (r *Recorder) CloseInput() {
	r.closeOnce.Do(func() { close(r.input) })
}

func (r *Recorder) Output() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.out.Bytes())
}

// Feeds returns how many times Feed was called.
func (r *Recorder) Feeds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds
}

// WaitFor blocks until at least n bytes were fed or timeout elapses, and
// returns the output so far.
func (r *Recorder) WaitFor(n int, timeout time.Duration) []byte {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		out := r.Output()
		if len(out) >= n {
			return out
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Output()
		}
	}
}
