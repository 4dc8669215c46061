// Package session drives one logical connection to a host: pairing if
// needed, connecting with backoff, streaming through a bridge, detecting
// silence and reconnecting underneath the same terminal.
//
// A single driver goroutine per Start is the only writer of the connection
// state. Callers observe it through State, Transitions, OnStateChange and
// the sink's OnConnectionState.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanlethanh/zedra/internal/bridge"
	"github.com/tanlethanh/zedra/internal/credstore"
	"github.com/tanlethanh/zedra/internal/logging"
	"github.com/tanlethanh/zedra/internal/pairing"
)

var (
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrFailed is returned by Start after the connection failed. Failed is
	// terminal; create a new Connection instead.
	ErrFailed = errors.New("session: connection has failed")
)

type Connection struct {
	id       string
	cfg      Config
	deps     Deps
	identity Identity
	sink     TerminalSink
	log      zerolog.Logger

	mu          sync.Mutex
	state       State
	history     history
	callbacks   []func(Transition)
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	fingerprint string
	lastErr     error

	// notifying counts state callbacks in progress on the driver.
	notifying int
	br        *bridge.Bridge
	stats     bridge.Stats
}

func New(cfg Config, deps Deps, id Identity, sink TerminalSink) *Connection {
	c := &Connection{
		id:          uuid.NewString(),
		cfg:         cfg.withDefaults(),
		deps:        deps,
		identity:    id,
		sink:        sink,
		state:       Idle{},
		done:        make(chan struct{}),
		fingerprint: id.fingerprint,
	}
	close(c.done)
	c.log = logging.Module("session").With().Str("session", c.id[:8]).Logger()
	return c
}

func (c *Connection) ID() string { return c.id }

// Start launches the driver. It is allowed from Idle and Closed.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	var restart bool
	switch c.state.(type) {
	case Idle:
	case Closed:
		restart = true
	case Failed:
		c.mu.Unlock()
		return ErrFailed
	default:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	if restart {
		c.set(Idle{}, "restart")
	}
	go c.run(runCtx, done)
	return nil
}

// Close tears the connection down and waits for the driver to finish. The
// credential is kept.
//
// Called from OnStateChange or the sink's OnConnectionState, Close only
// cancels the driver, since waiting there would never return; use Done to
// wait. The same applies to a Close racing with such a callback.
func (c *Connection) Close() error {
	c.mu.Lock()
	if !c.running {
		_, idle := c.state.(Idle)
		c.mu.Unlock()
		if idle {
			c.set(Closed{}, "closed before start")
		}
		return nil
	}
	cancel, done, reentrant := c.cancel, c.done, c.notifying > 0
	c.mu.Unlock()

	cancel()
	if !reentrant {
		<-done
	}
	return nil
}

// Done is closed when the current run ends in Closed or Failed.
func (c *Connection) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transitions returns up to the last 50 transitions, oldest first.
func (c *Connection) Transitions() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.list()
}

// OnStateChange registers cb for every later transition. Callbacks run on
// the driver goroutine and must not block.
func (c *Connection) OnStateChange(cb func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Fingerprint is the host identity, known after pairing for payload
// connections.
func (c *Connection) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint
}

// Stats reports the terminal bridge counters of the current run, or of the
// last one once it ended.
func (c *Connection) Stats() bridge.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.br != nil {
		return c.br.Stats()
	}
	return c.stats
}

// LastError is the most recent connection error, if any.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) set(s State, reason string) {
	c.mu.Lock()
	from := c.state
	c.state = s
	switch s := s.(type) {
	case Failed:
		c.lastErr = s.Err
	case Degraded:
		if s.Cause != nil {
			c.lastErr = s.Cause
		}
	}
	if reason == "" {
		reason = s.String()
	}
	t := Transition{From: from, To: s, At: time.Now(), Reason: reason}
	c.history.record(t)
	cbs := slices.Clone(c.callbacks)
	c.notifying++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.notifying--
		c.mu.Unlock()
	}()

	ev := c.log.Debug()
	switch s.Kind() {
	case KindConnected:
		ev = c.log.Info()
	case KindDegraded:
		ev = c.log.Warn()
	case KindFailed:
		ev = c.log.Error()
	}
	ev.Str("from", from.Kind().String()).Str("to", s.Kind().String()).Msg(reason)

	if c.sink != nil {
		c.sink.OnConnectionState(s)
	}
	for _, cb := range cbs {
		cb(t)
	}
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	end := c.drive(ctx)
	c.set(end, "")

	c.mu.Lock()
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	cancel()
	close(done)
}

// drive runs the connection until it is closed or fails and returns the
// final state.
func (c *Connection) drive(ctx context.Context) State {
	fp, end := c.resolve(ctx)
	if end != nil {
		return end
	}

	br := bridge.New(c.sink, c.cfg.Bridge)
	c.mu.Lock()
	c.br = br
	c.mu.Unlock()
	defer func() {
		br.Close(c.cfg.FlushGrace)
		c.mu.Lock()
		c.stats = br.Stats()
		c.br = nil
		c.mu.Unlock()
	}()

	sh, end := c.connect(ctx, fp, br, false, time.Time{})
	if end != nil {
		return end
	}
	if err := br.Start(sh); err != nil {
		sh.Close()
		return Failed{Reason: Internal, Err: err}
	}
	c.set(Connected{Since: time.Now()}, "")

	for {
		cause := c.watch(ctx, br, sh)
		if ctx.Err() != nil {
			return Closed{}
		}
		if errors.Is(cause, errShellExited) {
			c.log.Info().Msg("remote shell exited")
			return Closed{}
		}

		since := time.Now()
		br.Pause()
		c.set(Degraded{Since: since, Cause: cause}, "")

		next, end := c.connect(ctx, fp, br, true, since)
		if end != nil {
			return end
		}
		if err := br.Swap(next); err != nil {
			next.Close()
			if ctx.Err() != nil {
				return Closed{}
			}
			return Failed{Reason: Internal, Err: err}
		}
		sh = next
		c.set(Connected{Since: time.Now()}, "reconnected")
	}
}

// resolve finds the credential to connect with, pairing first when the
// identity is a payload with no stored credential yet.
func (c *Connection) resolve(ctx context.Context) (string, State) {
	if p := c.identity.payload; p != nil {
		if _, ok, err := c.deps.Store.Lookup(ctx, p.Fingerprint); err == nil && ok {
			c.log.Info().Str("host", p.Addr()).Msg("already paired, skipping pairing")
			return p.Fingerprint, nil
		}
		if c.deps.Pairer == nil {
			return "", Failed{Reason: Internal, Err: errors.New("no pairing coordinator configured")}
		}
		c.set(Pairing{Host: p.Addr()}, "")
		cred, err := c.deps.Pairer.BeginPairing(ctx, *p)
		if err != nil {
			if ctx.Err() != nil {
				return "", Closed{}
			}
			return "", Failed{Reason: pairingReason(err), Err: err}
		}
		c.mu.Lock()
		c.fingerprint = cred.HostFingerprint
		c.mu.Unlock()
		return cred.HostFingerprint, nil
	}

	fp := c.identity.fingerprint
	_, ok, err := c.deps.Store.Lookup(ctx, fp)
	if err != nil {
		return "", Failed{Reason: Internal, Err: err}
	}
	if !ok {
		return "", Failed{Reason: NotPaired, Err: credstore.ErrNotFound}
	}
	return fp, nil
}

func pairingReason(err error) FailureReason {
	switch {
	case errors.Is(err, pairing.ErrExpired):
		return Expired
	case errors.Is(err, pairing.ErrTokenRejected):
		return TokenRejected
	case errors.Is(err, pairing.ErrInvalidPayload), errors.Is(err, pairing.ErrRegistrationFailed):
		return PairingFailed
	case errors.Is(err, pairing.ErrFingerprintMismatch):
		return FingerprintMismatch
	case errors.Is(err, pairing.ErrTransportUnreachable):
		return Unreachable
	default:
		return Internal
	}
}
