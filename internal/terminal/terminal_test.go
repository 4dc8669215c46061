package terminal

import (
	"testing"
	"time"
)

func TestEscapeFilter(t *testing.T) {
	tests := []struct {
		name       string
		reads      []string
		want       string
		wantDetach bool
	}{
		{"plain", []string{"ls\r"}, "ls\r", false},
		{"detach at start", []string{"~."}, "", true},
		{"detach after newline", []string{"ls\r", "~", "."}, "ls\r", true},
		{"tilde mid line", []string{"a~.b"}, "a~.b", false},
		{"tilde then other", []string{"~", "x"}, "~x", false},
		{"double tilde", []string{"~~."}, "~.", false},
		{"split across reads", []string{"echo\r~", ".rest"}, "echo\r", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f escapeFilter
			var got []byte
			detached := false
			for _, r := range tt.reads {
				out, d := f.filter([]byte(r))
				got = append(got, out...)
				if d {
					detached = true
					break
				}
			}
			if string(got) != tt.want || detached != tt.wantDetach {
				t.Errorf("filter(%q) = %q, %v; want %q, %v", tt.reads, got, detached, tt.want, tt.wantDetach)
			}
		})
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(2)
	go func() {
		r.Feed([]byte("hel"))
		r.Feed([]byte("lo"))
	}()
	if got := r.WaitFor(5, time.Second); string(got) != "hello" {
		t.Fatalf("WaitFor() = %q", got)
	}
	if r.Feeds() != 2 {
		t.Errorf("Feeds() = %d, want 2", r.Feeds())
	}

	r.Send(KeysEvent([]byte("x")))
	r.Send(ResizeEvent(100, 40))
	ev := <-r.InputEvents()
	if ev.Kind != Keys || string(ev.Data) != "x" {
		t.Errorf("first event = %v", ev)
	}
	ev = <-r.InputEvents()
	if ev.Kind != Resize || ev.Cols != 100 || ev.Rows != 40 {
		t.Errorf("second event = %v", ev)
	}
	r.CloseInput()
	r.CloseInput()
	if _, ok := <-r.InputEvents(); ok {
		t.Error("input channel not closed")
	}
}

func TestRecorderWaitForTimeout(t *testing.T) {
	r := NewRecorder(0)
	start := time.Now()
	if got := r.WaitFor(1, 50*time.Millisecond); len(got) != 0 {
		t.Errorf("WaitFor() = %q, want empty", got)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("WaitFor() returned before timeout")
	}
}
