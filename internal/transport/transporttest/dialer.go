// Package transporttest provides dialers that count, fail and silently drop
// connections, for exercising reconnect and pairing logic.
package transporttest

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// Dialer wraps net.Dialer. Every DialContext call is counted, including the
// ones that fail.
type Dialer struct {
	dials atomic.Int64

	mu    sync.Mutex
	fail  error
	conns []*BlackholeConn
}

func NewDialer() *Dialer { return &Dialer{} }

func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}

	var nd net.Dialer
	c, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	bc := &BlackholeConn{Conn: c}
	d.mu.Lock()
	d.conns = append(d.conns, bc)
	d.mu.Unlock()
	return bc, nil
}

// Dials returns the number of DialContext calls so far.
func (d *Dialer) Dials() int { return int(d.dials.Load()) }

// FailWith makes subsequent dials return err. A nil err restores dialing.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

// BlackholeAll silences every connection dialed so far.
func (d *Dialer) BlackholeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Blackhole()
	}
}

// Last returns the most recent successful connection, or nil.
func (d *Dialer) Last() *BlackholeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// BlackholeConn behaves like its underlying conn until Blackhole is called.
// From then on writes are swallowed and reads never return data, the way a
// dead network path looks to TCP before any timeout fires.
type BlackholeConn struct {
	net.Conn
	holed atomic.Bool
}

func (c *BlackholeConn) Blackhole() { c.holed.Store(true) }

func (c *BlackholeConn) Read(p []byte) (int, error) {
	for {
		n, err := c.Conn.Read(p)
		if !c.holed.Load() || err != nil {
			return n, err
		}
	}
}

func (c *BlackholeConn) Write(p []byte) (int, error) {
	if c.holed.Load() {
		return len(p), nil
	}
	return c.Conn.Write(p)
}
