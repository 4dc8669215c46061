package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"
)

// escapeFilter recognises "~." typed at the start of a line, the way ssh
// does. A "~" at line start is held back until the next byte arrives.
type escapeFilter struct {
	midLine      bool
	pendingTilde bool
}

func (f *escapeFilter) filter(p []byte) (out []byte, detach bool) {
	out = make([]byte, 0, len(p)+1)
	for _, b := range p {
		if f.pendingTilde {
			f.pendingTilde = false
			if b == '.' {
				return out, true
			}
			out = append(out, '~')
			if b == '~' {
				f.midLine = true
				continue
			}
		}
		if !f.midLine && b == '~' {
			f.pendingTilde = true
			continue
		}
		out = append(out, b)
		f.midLine = b != '\r' && b != '\n'
	}
	return out, false
}

// StdioSink drives the local terminal: host output goes to stdout, raw
// keystrokes and SIGWINCH become input events.
type StdioSink struct {
	in     *os.File
	out    io.Writer
	status io.Writer

	events   chan Event
	detached chan struct{}
	restore  func()
	once     sync.Once
	stopOnce sync.Once
	sigCh    chan os.Signal
}

func NewStdioSink() *StdioSink {
	return &StdioSink{
		in:       os.Stdin,
		out:      os.Stdout,
		status:   os.Stderr,
		events:   make(chan Event, 64),
		detached: make(chan struct{}),
		restore:  func() {},
	}
}

// Start puts stdin in raw mode and begins producing events. The initial
// terminal size is sent first.
func (s *StdioSink) Start() error {
	fd := int(s.in.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		s.restore = func() { term.Restore(fd, old) }
	}

	cols, rows := s.Size()
	s.events <- ResizeEvent(cols, rows)

	s.sigCh = make(chan os.Signal, 4)
	signal.Notify(s.sigCh, syscall.SIGWINCH)
	go func() {
		for range s.sigCh {
			cols, rows := s.Size()
			s.emit(ResizeEvent(cols, rows))
		}
	}()

	go s.readInput()
	return nil
}

func (s *StdioSink) readInput() {
	buf := make([]byte, 32*1024)
	var esc escapeFilter
	for {
		n, err := s.in.Read(buf)
		if n > 0 {
			out, detach := esc.filter(buf[:n])
			if len(out) > 0 && !s.emit(KeysEvent(out)) {
				return
			}
			if detach {
				s.Detach()
				return
			}
		}
		if err != nil {
			s.Detach()
			return
		}
	}
}

func (s *StdioSink) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.detached:
		return false
	}
}

func (s *StdioSink) Feed(p []byte) { s.out.Write(p) }

func (s *StdioSink) InputEvents() <-chan Event { return s.events }

// Status prints a line outside the remote output stream.
func (s *StdioSink) Status(msg string) {
	fmt.Fprintf(s.status, "\r\n[zedra] %s\r\n", msg)
}

// Detached is closed once the user typed the escape sequence or stdin ended.
func (s *StdioSink) Detached() <-chan struct{} { return s.detached }

func (s *StdioSink) Detach() {
	s.once.Do(func() { close(s.detached) })
}

// Size reports the local terminal size, 80x24 when stdout is not a terminal.
func (s *StdioSink) Size() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 80, 24
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 80, 24
	}
	return c, r
}

// Stop restores the terminal mode.
func (s *StdioSink) Stop() {
	s.stopOnce.Do(func() {
		if s.sigCh != nil {
			signal.Stop(s.sigCh)
			close(s.sigCh)
		}
		s.Detach()
		s.restore()
	})
}
