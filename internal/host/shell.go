package host

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
)

type WindowSize struct {
	Cols, Rows int
}

// ShellSession is one interactive shell request on an authenticated device
// connection. Resize carries the latest window size and is closed when the
// channel goes away.
type ShellSession struct {
	Channel  io.ReadWriter
	Term     string
	Size     WindowSize
	Resize   <-chan WindowSize
	DeviceID string
}

// ShellHandler runs a shell until it exits or ctx is cancelled and returns
// the exit status reported to the client.
type ShellHandler interface {
	ServeShell(ctx context.Context, s *ShellSession) (int, error)
}

type ShellHandlerFunc func(ctx context.Context, s *ShellSession) (int, error)

func (f ShellHandlerFunc) ServeShell(ctx context.Context, s *ShellSession) (int, error) {
	return f(ctx, s)
}

// PTYShell starts a login shell on a pseudo-terminal.
type PTYShell struct {
	// Command defaults to $SHELL, then /bin/bash.
	Command string
	Log     zerolog.Logger
}

func (p *PTYShell) command() string {
	if p.Command != "" {
		return p.Command
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func (p *PTYShell) ServeShell(ctx context.Context, s *ShellSession) (int, error) {
	cols, rows := s.Size.Cols, s.Size.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	term := s.Term
	if term == "" {
		term = "xterm-256color"
	}

	cmd := exec.CommandContext(ctx, p.command(), "-l")
	cmd.Env = append(os.Environ(), "TERM="+term)
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return 1, err
	}
	defer ptmx.Close()

	go func() {
		for ws := range s.Resize {
			if err := pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(ws.Cols), Rows: uint16(ws.Rows)}); err != nil {
				p.Log.Debug().Err(err).Msg("resize pty")
			}
		}
	}()
	// Input stops when the channel closes; the shell may exit first.
	go io.Copy(ptmx, s.Channel)

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		io.Copy(s.Channel, ptmx)
	}()

	err = cmd.Wait()
	// Linux returns EIO on the master once the slave side is gone, which
	// ends the copy after the remaining output is read.
	<-outDone

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}
