package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tanlethanh/zedra/internal/bridge"
	"github.com/tanlethanh/zedra/internal/credstore"
	"github.com/tanlethanh/zedra/internal/sshkeys"
	"github.com/tanlethanh/zedra/internal/transport"
	"golang.org/x/crypto/ssh"
)

var (
	errKeepaliveTimeout = errors.New("keepalive timeout")
	errShellExited      = errors.New("remote shell exited")
)

// shellExitWait is how long a failing channel may take to report an exit
// status before the failure is treated as a dropped connection.
var shellExitWait = 500 * time.Millisecond

// storeError marks credential store failures, which retrying will not fix.
type storeError struct{ err error }

func (e *storeError) Error() string { return "credential store: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// connect runs the attempt loop. A nil state means sh is ready; otherwise the
// state is where the connection ends up.
func (c *Connection) connect(ctx context.Context, fp string, br *bridge.Bridge, reconnect bool, since time.Time) (*transport.Shell, State) {
	for attempt := 1; ; attempt++ {
		c.set(Connecting{Attempt: attempt, Reconnect: reconnect}, "")

		sh, err := c.attempt(ctx, fp, br, attempt, reconnect)
		if err == nil {
			return sh, nil
		}
		if ctx.Err() != nil {
			return nil, Closed{}
		}
		if end := c.fatal(ctx, fp, err); end != nil {
			return nil, end
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Bool("reconnect", reconnect).Msg("connect attempt failed")

		if attempt >= c.cfg.MaxAttempts {
			if reconnect {
				return nil, Failed{Reason: ConnectionLost, Err: err}
			}
			return nil, Failed{Reason: Unreachable, Err: err}
		}
		if reconnect {
			c.set(Degraded{Since: since, Attempt: attempt, Cause: err}, "")
		}

		wait := time.NewTimer(c.cfg.Backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, Closed{}
		case <-wait.C:
		}
	}
}

func (c *Connection) attempt(ctx context.Context, fp string, br *bridge.Bridge, attempt int, reconnect bool) (*transport.Shell, error) {
	cred, ok, err := c.deps.Store.Lookup(ctx, fp)
	if err != nil {
		return nil, &storeError{err}
	}
	if !ok {
		return nil, credstore.ErrNotFound
	}
	signer, err := c.deps.Store.Signer(ctx, fp)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) || errors.Is(err, credstore.ErrInvalidated) {
			return nil, err
		}
		return nil, &storeError{err}
	}

	// The handshake runs aside so that the Authenticating transition is still
	// made by the driver.
	type result struct {
		client *transport.Client
		err    error
	}
	verified := make(chan struct{})
	res := make(chan result, 1)
	go func() {
		client, err := transport.Handshake(ctx, c.deps.Dialer, transport.Target{
			Addr:              cred.Addr(),
			User:              cred.Username,
			Fingerprint:       fp,
			Auth:              []ssh.AuthMethod{ssh.PublicKeys(signer)},
			Timeout:           c.cfg.ConnectTimeout + c.cfg.AuthTimeout,
			OnHostKeyVerified: func() { close(verified) },
		})
		res <- result{client, err}
	}()

	var r result
	select {
	case <-verified:
		c.set(Authenticating{Attempt: attempt, Reconnect: reconnect}, "")
		r = <-res
	case r = <-res:
		select {
		case <-verified:
			c.set(Authenticating{Attempt: attempt, Reconnect: reconnect}, "")
		default:
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	client := r.client

	cols, rows := c.cfg.Cols, c.cfg.Rows
	if w, h, ok := br.Size(); ok {
		cols, rows = w, h
	}
	sh, err := client.OpenShell(c.cfg.Term, cols, rows)
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := c.deps.Store.Touch(ctx, fp); err != nil {
		c.log.Debug().Err(err).Msg("touch credential")
	}
	return sh, nil
}

// fatal maps errors that no retry can fix to their final state.
func (c *Connection) fatal(ctx context.Context, fp string, err error) State {
	var (
		mismatch *sshkeys.FingerprintMismatchError
		se       *storeError
	)
	switch {
	case errors.As(err, &mismatch):
		if ierr := c.deps.Store.Invalidate(ctx, fp, mismatch.Error()); ierr != nil {
			c.log.Error().Err(ierr).Msg("failed to invalidate credential")
		}
		return Failed{Reason: IdentityChanged, Err: err}
	case errors.Is(err, transport.ErrAuthRejected):
		return Failed{Reason: AuthRejected, Err: err}
	case errors.Is(err, credstore.ErrNotFound), errors.Is(err, credstore.ErrInvalidated):
		return Failed{Reason: NotPaired, Err: err}
	case errors.As(err, &se):
		return Failed{Reason: Internal, Err: err}
	}
	return nil
}

// liveness tracks the last sign of life on one channel generation.
type liveness struct {
	since     time.Time
	lastReply atomic.Int64
	probing   atomic.Bool
}

func (l *liveness) silence(lastInbound time.Time) time.Duration {
	last := l.since
	if lastInbound.After(last) {
		last = lastInbound
	}
	if ns := l.lastReply.Load(); ns != 0 {
		if t := time.Unix(0, ns); t.After(last) {
			last = t
		}
	}
	return time.Since(last)
}

// watch blocks while sh is healthy and returns why it stopped being so. It
// returns nil when ctx is cancelled.
func (c *Connection) watch(ctx context.Context, br *bridge.Bridge, sh *transport.Shell) error {
	lv := &liveness{since: time.Now()}
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-br.Errors():
			if c.shellExited(sh) {
				return errShellExited
			}
			return err
		case <-ticker.C:
			if quiet := lv.silence(br.LastInbound()); quiet >= c.cfg.KeepaliveTimeout {
				return fmt.Errorf("%w: silent for %s", errKeepaliveTimeout, quiet.Round(time.Millisecond))
			}
			c.probe(ctx, sh.Client(), lv)
		}
	}
}

// probe sends one keepalive in the background; at most one is outstanding.
func (c *Connection) probe(ctx context.Context, client *transport.Client, lv *liveness) {
	if !lv.probing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer lv.probing.Store(false)
		pctx, cancel := context.WithTimeout(ctx, c.cfg.KeepaliveTimeout)
		defer cancel()
		if err := client.Keepalive(pctx); err != nil {
			c.log.Debug().Err(err).Msg("keepalive failed")
			return
		}
		lv.lastReply.Store(time.Now().UnixNano())
	}()
}

func (c *Connection) shellExited(sh *transport.Shell) bool {
	t := time.NewTimer(shellExitWait)
	defer t.Stop()
	select {
	case <-sh.Exited():
	case <-t.C:
		return false
	}
	_, ok := sh.ExitStatus()
	return ok
}
