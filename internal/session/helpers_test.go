package session

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tanlethanh/zedra/internal/credstore"
	"github.com/tanlethanh/zedra/internal/database"
	"github.com/tanlethanh/zedra/internal/host"
	"github.com/tanlethanh/zedra/internal/pairing"
	"github.com/tanlethanh/zedra/internal/terminal"
	"github.com/tanlethanh/zedra/internal/transport/transporttest"
)

// echoShell greets, echoes each read back prefixed with "echo:" and exits
// with status 3 on "exit".
var echoShell = host.ShellHandlerFunc(func(ctx context.Context, s *host.ShellSession) (int, error) {
	fmt.Fprintf(s.Channel, "ready %dx%d\n", s.Size.Cols, s.Size.Rows)
	go func() {
		for range s.Resize {
		}
	}()
	buf := make([]byte, 1024)
	for {
		n, err := s.Channel.Read(buf)
		if n > 0 {
			if strings.TrimSpace(string(buf[:n])) == "exit" {
				return 3, nil
			}
			fmt.Fprintf(s.Channel, "echo:%s", buf[:n])
		}
		if err != nil {
			return 0, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
})

func startHost(t *testing.T, opts ...func(*host.Config)) *host.Server {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "host.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := host.Config{
		AdvertiseHost:      "127.0.0.1",
		AdvertisePort:      l.Addr().(*net.TCPAddr).Port,
		Name:               "test-host",
		Shell:              echoShell,
		RateLimitPerMinute: 1000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := host.New(db, cfg)
	if err != nil {
		t.Fatalf("host.New() error: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(l)
	}()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})
	return srv
}

// pairWith pairs a fresh memory store with srv and returns it with the
// stored credential.
func pairWith(t *testing.T, srv *host.Server) (*credstore.MemoryStore, credstore.Credential) {
	t.Helper()
	p, err := srv.IssuePairing()
	if err != nil {
		t.Fatalf("IssuePairing() error: %v", err)
	}
	store := credstore.NewMemoryStore()
	coord := pairing.NewCoordinator(store, transporttest.NewDialer(), pairing.WithDeviceName("test-device"))
	cred, err := coord.BeginPairing(context.Background(), p)
	if err != nil {
		t.Fatalf("BeginPairing() error: %v", err)
	}
	return store, cred
}

func fastConfig() Config {
	return Config{
		ConnectTimeout:    2 * time.Second,
		AuthTimeout:       2 * time.Second,
		KeepaliveInterval: 50 * time.Millisecond,
		KeepaliveTimeout:  300 * time.Millisecond,
		Backoff: Backoff{
			Base:   10 * time.Millisecond,
			Factor: 2,
			Max:    50 * time.Millisecond,
		},
		MaxAttempts: 3,
		FlushGrace:  200 * time.Millisecond,
	}
}

// testSink records output and every state it is told about.
type testSink struct {
	*terminal.Recorder

	mu     sync.Mutex
	states []State
}

func newTestSink() *testSink {
	return &testSink{Recorder: terminal.NewRecorder(16)}
}

func (s *testSink) OnConnectionState(st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *testSink) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

// kinds streams every transition target of c. It must be attached before
// Start.
func kinds(c *Connection) <-chan State {
	ch := make(chan State, 1024)
	c.OnStateChange(func(t Transition) {
		select {
		case ch <- t.To:
		default:
		}
	})
	return ch
}

// waitKind consumes states until one of kind k arrives and returns it.
func waitKind(t *testing.T, ch <-chan State, k Kind, timeout time.Duration) State {
	t.Helper()
	deadline := time.After(timeout)
	var seen []string
	for {
		select {
		case s := <-ch:
			if s.Kind() == k {
				return s
			}
			seen = append(seen, s.String())
		case <-deadline:
			t.Fatalf("timeout waiting for %s, saw %v", k, seen)
			return nil
		}
	}
}

func waitOutput(t *testing.T, sink *testSink, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(string(sink.Output()), want) {
			return
		}
		sink.WaitFor(len(sink.Output())+1, 50*time.Millisecond)
	}
	t.Fatalf("timeout waiting for %q in output %q", want, sink.Output())
}
