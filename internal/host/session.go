package host

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tanlethanh/zedra/internal/logutil"
	"github.com/tanlethanh/zedra/internal/pairing"
	"golang.org/x/crypto/ssh"
)

type hostConn struct {
	srv        *Server
	conn       *ssh.ServerConn
	role       string
	deviceID   string
	ip         string
	registered atomic.Bool
}

type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

type execRequest struct {
	Command string
}

type exitStatus struct {
	Status uint32
}

func (c *hostConn) serveSession(ctx context.Context, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		term      string
		size      WindowSize
		resize    chan WindowSize
		shellDone chan struct{}
	)
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			// The peer's terminal name reaches the audit trail and the
			// shell environment.
			term = logutil.SanitizeForLog(p.Term)
			size = WindowSize{Cols: int(p.Cols), Rows: int(p.Rows)}
			req.Reply(true, nil)

		case "window-change":
			var w windowChange
			if err := ssh.Unmarshal(req.Payload, &w); err != nil {
				continue
			}
			size = WindowSize{Cols: int(w.Cols), Rows: int(w.Rows)}
			if resize != nil {
				latest(resize, size)
			}

		case "shell":
			if shellDone != nil || (c.role != roleDevice && c.role != rolePassword) {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			resize = make(chan WindowSize, 1)
			shellDone = make(chan struct{})
			go c.runShell(ctx, ch, &ShellSession{
				Channel:  ch,
				Term:     term,
				Size:     size,
				Resize:   resize,
				DeviceID: c.deviceID,
			}, shellDone)

		case "exec":
			var e execRequest
			if c.role != rolePair || ssh.Unmarshal(req.Payload, &e) != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			c.register(ch, e.Command)
			go ssh.DiscardRequests(reqs)
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}

	cancel()
	if shellDone != nil {
		close(resize)
		<-shellDone
	}
}

// latest replaces any pending size so the shell only sees the newest one.
func latest(ch chan WindowSize, ws WindowSize) {
	for {
		select {
		case ch <- ws:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (c *hostConn) runShell(ctx context.Context, ch ssh.Channel, sess *ShellSession, done chan struct{}) {
	defer close(done)
	log := c.srv.log.With().Str("device", c.deviceID).Logger()
	start := time.Now()
	c.srv.Audit.Log(AuditEntry{EventType: EventShellStart, DeviceID: c.deviceID, Username: c.conn.User(), SourceIP: c.ip,
		Details: fmt.Sprintf("term=%s size=%dx%d", logutil.SanitizeForLog(sess.Term), sess.Size.Cols, sess.Size.Rows)})

	code, err := c.srv.cfg.Shell.ServeShell(ctx, sess)
	if err != nil {
		log.Warn().Err(err).Msg("shell failed")
	}
	ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(code)}))
	ch.Close()

	c.srv.Audit.Log(AuditEntry{EventType: EventShellEnd, DeviceID: c.deviceID, Username: c.conn.User(), SourceIP: c.ip,
		Details: fmt.Sprintf("exit=%d", code), DurationMs: time.Since(start).Milliseconds()})
}

// register handles the one exec a pairing connection may run.
func (c *hostConn) register(ch ssh.Channel, command string) {
	reply := func(code uint32, format string, args ...any) {
		fmt.Fprintf(ch, format+"\n", args...)
		ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: code}))
	}
	if !c.registered.CompareAndSwap(false, true) {
		reply(1, "ERROR: token already used")
		return
	}
	key, name, err := pairing.ParseRegister(command)
	if err != nil {
		reply(1, "ERROR: %v", err)
		return
	}
	dev, err := c.srv.Devices.Register(name, key)
	if err != nil {
		c.srv.log.Warn().Err(err).Msg("register device")
		reply(1, "ERROR: %v", err)
		return
	}
	c.srv.Audit.Log(AuditEntry{EventType: EventDevicePaired, DeviceID: dev.ID, Username: c.conn.User(), SourceIP: c.ip,
		Details: "name=" + dev.Name + " key=" + dev.Fingerprint})
	reply(0, "OK %s", dev.ID)
}
