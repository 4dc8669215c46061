// Package transport opens authenticated secure-shell connections to a zedra
// host and the interactive shell channel that carries terminal bytes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tanlethanh/zedra/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// KeepaliveRequest is the global request used to probe liveness.
const KeepaliveRequest = "keepalive@openssh.com"

// ErrAuthRejected means the host declined every offered authentication
// method.
var ErrAuthRejected = errors.New("authentication rejected by host")

// NetworkError wraps dial, timeout and protocol failures that a caller may
// retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// Dialer opens the raw byte stream. Tests substitute counting or lossy
// implementations.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NetDialer dials TCP with the given connect timeout.
func NetDialer(timeout time.Duration) Dialer {
	return &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
}

// Target describes one connection attempt.
type Target struct {
	Addr        string
	User        string
	Fingerprint string
	Auth        []ssh.AuthMethod
	// Timeout bounds dial, key exchange and authentication together.
	Timeout time.Duration
	// OnHostKeyVerified runs at most once, when the host key of the initial
	// key exchange matched Fingerprint and before authentication starts.
	// Later rekeys are still verified but not reported. It runs while
	// Handshake is blocked, on a goroutine owned by x/crypto.
	OnHostKeyVerified func()
}

// Client is an authenticated connection. Close is idempotent.
type Client struct {
	*ssh.Client
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

// Handshake dials t.Addr and completes key exchange and authentication. The
// returned error is a *sshkeys.FingerprintMismatchError, ErrAuthRejected or a
// *NetworkError.
func Handshake(ctx context.Context, d Dialer, t Target) (*Client, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	conn, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, &NetworkError{Op: "dial " + t.Addr, Err: err}
	}

	// x/crypto verifies the host key again on every rekey, from its kex
	// goroutine. Only the initial exchange is reported.
	var (
		mu       sync.Mutex
		mismatch *sshkeys.FingerprintMismatchError
		verified sync.Once
		initial  atomic.Bool
	)
	initial.Store(true)
	strict := sshkeys.StrictHostKeyCallback(t.Fingerprint, func(string) {
		if t.OnHostKeyVerified == nil || !initial.Load() {
			return
		}
		verified.Do(t.OnHostKeyVerified)
	})
	cfg := &ssh.ClientConfig{
		User: t.User,
		Auth: t.Auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := strict(hostname, remote, key)
			if err != nil {
				mu.Lock()
				errors.As(err, &mismatch)
				mu.Unlock()
			}
			return err
		},
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, t.Addr, cfg)
	initial.Store(false)
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			sshConn.Close()
			err = ctx.Err()
		}
		mu.Lock()
		defer mu.Unlock()
		return nil, classify(ctx, err, mismatch)
	}
	conn.SetDeadline(time.Time{})

	return &Client{Client: ssh.NewClient(sshConn, chans, reqs), conn: conn}, nil
}

func classify(ctx context.Context, err error, mismatch *sshkeys.FingerprintMismatchError) error {
	if mismatch != nil {
		return mismatch
	}
	var fp *sshkeys.FingerprintMismatchError
	if errors.As(err, &fp) {
		return fp
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &NetworkError{Op: "handshake", Err: ctxErr}
	}
	return &NetworkError{Op: "handshake", Err: err}
}

// Keepalive sends one keepalive request and waits for the reply or ctx.
func (c *Client) Keepalive(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := c.SendRequest(KeepaliveRequest, true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exec runs cmd on a fresh session channel and returns its combined output.
func (c *Client) Exec(ctx context.Context, cmd string) (string, error) {
	sess, err := c.NewSession()
	if err != nil {
		return "", &NetworkError{Op: "open session", Err: err}
	}
	defer sess.Close()
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	out, err := sess.CombinedOutput(cmd)
	if ctx.Err() != nil {
		return "", &NetworkError{Op: "exec", Err: ctx.Err()}
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return string(out), fmt.Errorf("exec exited with status %d: %s", exitErr.ExitStatus(), strings.TrimSpace(string(out)))
		}
		return string(out), &NetworkError{Op: "exec", Err: err}
	}
	return string(out), nil
}

// Close releases the connection. Any channel opened on it unblocks.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Client.Close()
		c.conn.Close()
	})
	return c.closeErr
}
