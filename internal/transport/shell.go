package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Shell is a PTY-backed interactive shell channel. It owns its Client:
// closing the shell closes the connection.
type Shell struct {
	client  *Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
	exited    chan struct{}
	waitErr   error
}

// OpenShell requests a PTY of the given size and starts the login shell.
func (c *Client) OpenShell(term string, cols, rows int) (*Shell, error) {
	session, err := c.NewSession()
	if err != nil {
		return nil, &NetworkError{Op: "open session", Err: err}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if cols <= 0 || rows <= 0 {
		cols, rows = 80, 24
	}
	if err := session.RequestPty(term, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	sh := &Shell{client: c, session: session, stdin: stdin, stdout: stdout, exited: make(chan struct{})}
	go func() {
		sh.waitErr = session.Wait()
		close(sh.exited)
	}()
	return sh, nil
}

func (s *Shell) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *Shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// WindowChange sends the native window-change request.
func (s *Shell) WindowChange(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *Shell) Client() *Client { return s.client }

// Exited is closed once the session has ended, either because the remote
// shell exited or because the connection went away.
func (s *Shell) Exited() <-chan struct{} { return s.exited }

// ExitStatus returns the remote shell's exit status. ok is false while the
// session is running and when it ended without a status, as on a dropped
// connection.
func (s *Shell) ExitStatus() (code int, ok bool) {
	select {
	case <-s.exited:
	default:
		return 0, false
	}
	if s.waitErr == nil {
		return 0, true
	}
	var exitErr *ssh.ExitError
	if errors.As(s.waitErr, &exitErr) {
		return exitErr.ExitStatus(), true
	}
	return 0, false
}

func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.session.Close()
		err = s.client.Close()
	})
	return err
}
