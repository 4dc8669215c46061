// Package bridge pumps bytes between a live shell channel and a terminal
// sink.
//
// Inbound, one reader per channel feeds a bounded chunk queue drained by a
// single deliverer, so the sink sees bytes in receipt order. When the queue is
// full the reader stops reading, which lets the transport's own flow control
// push back on the host. Outbound, a collector drains the sink's input events
// into a byte-bounded queue and a writer sends them in order. A failed write
// keeps the unsent data at the head of the queue and pauses the bridge until
// the owner swaps in a new channel.
//
// The bridge never decides reconnect policy; it reports at most one error per
// channel on Errors.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanlethanh/zedra/internal/logging"
	"github.com/tanlethanh/zedra/internal/terminal"
)

// Channel is the transport side of the bridge.
type Channel interface {
	io.Reader
	io.Writer
	WindowChange(cols, rows int) error
	Close() error
}

var (
	// ErrSinkBackpressure is logged when the inbound queue is full. It never
	// leaves the bridge.
	ErrSinkBackpressure = errors.New("terminal sink backpressure")
	ErrClosed           = errors.New("bridge closed")
	ErrNotStarted       = errors.New("bridge not started")
)

// IOError is reported on Errors when a channel fails.
type IOError struct {
	Generation uint64
	Direction  string
	Err        error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s i/o on channel %d: %v", e.Direction, e.Generation, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

type Config struct {
	// InboundQueue is the number of chunks buffered between reader and sink.
	InboundQueue int
	// OutboundBytes bounds the bytes queued for the channel.
	OutboundBytes int
	ReadSize      int
}

func (c Config) withDefaults() Config {
	if c.InboundQueue <= 0 {
		c.InboundQueue = 64
	}
	if c.OutboundBytes <= 0 {
		c.OutboundBytes = 256 * 1024
	}
	if c.ReadSize <= 0 {
		c.ReadSize = 32 * 1024
	}
	return c
}

type Stats struct {
	Generation   uint64
	BytesIn      uint64
	BytesOut     uint64
	Backpressure uint64
	QueuedEvents int
	QueuedBytes  int
	Paused       bool
}

type outItem struct {
	kind       terminal.EventKind
	data       []byte
	cols, rows int
}

// Bridge is created per logical session and survives channel swaps.
type Bridge struct {
	sink terminal.Sink
	cfg  Config
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inbound chan []byte
	errs    chan error

	mu          sync.Mutex
	cond        *sync.Cond
	started     bool
	closed      bool
	ch          Channel
	gen         uint64
	reportedGen uint64
	paused      bool
	queue       []outItem
	queuedBytes int
	inflight    bool
	readerDone  chan struct{}
	cols, rows  int

	lastInbound  atomic.Int64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	backpressure atomic.Uint64
}

func New(sink terminal.Sink, cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		sink:    sink,
		cfg:     cfg,
		log:     logging.Module("bridge"),
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(chan []byte, cfg.InboundQueue),
		errs:    make(chan error, 4),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start attaches the first channel and launches the pumps.
func (b *Bridge) Start(ch Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return errors.New("bridge already started")
	}
	b.started = true
	b.attachLocked(ch)

	b.wg.Add(3)
	go b.deliver()
	go b.collect()
	go b.write()
	return nil
}

// Pause stops outbound writes. Input keeps queueing up to the byte bound and
// inbound reads continue.
func (b *Bridge) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

// Swap closes the current channel, waits for its reader to finish handing
// over what it already read, then resumes both directions on ch. Queued
// outbound data is written to ch in its original order.
func (b *Bridge) Swap(ch Channel) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	old, oldDone := b.ch, b.readerDone
	b.ch = nil
	b.gen++
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if oldDone != nil {
		<-oldDone
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.inflight {
		b.cond.Wait()
	}
	if b.closed {
		ch.Close()
		return ErrClosed
	}
	b.drainErrs()
	b.attachLocked(ch)
	b.log.Debug().Uint64("generation", b.gen).Int("queued", len(b.queue)).Msg("channel swapped")
	return nil
}

// attachLocked installs ch as the current generation and starts its reader.
func (b *Bridge) attachLocked(ch Channel) {
	if b.gen == 0 {
		b.gen = 1
	}
	b.ch = ch
	b.paused = false
	done := make(chan struct{})
	b.readerDone = done
	b.wg.Add(1)
	go b.read(b.gen, ch, done)
	b.cond.Broadcast()
}

// Close flushes queued outbound data for up to grace, then closes the
// channel and stops every pump. It is safe to call more than once.
func (b *Bridge) Close(grace time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if grace > 0 && b.ch != nil && !b.paused {
		expired := false
		t := time.AfterFunc(grace, func() {
			b.mu.Lock()
			expired = true
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		for (len(b.queue) > 0 || b.inflight) && b.ch != nil && !b.paused && !expired {
			b.cond.Wait()
		}
		t.Stop()
		if len(b.queue) > 0 {
			b.log.Debug().Int("dropped_events", len(b.queue)).Msg("flush grace elapsed")
		}
	}
	b.closed = true
	ch := b.ch
	b.ch = nil
	b.cancel()
	b.cond.Broadcast()
	b.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	b.wg.Wait()
	return err
}

// Size is the most recent window size requested by the sink. ok is false
// until the first resize event.
func (b *Bridge) Size() (cols, rows int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cols, b.rows, b.cols > 0 && b.rows > 0
}

// Errors delivers at most one error per channel generation.
func (b *Bridge) Errors() <-chan error { return b.errs }

// LastInbound is the time bytes last arrived from the channel.
func (b *Bridge) LastInbound() time.Time {
	ns := b.lastInbound.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Generation:   b.gen,
		BytesIn:      b.bytesIn.Load(),
		BytesOut:     b.bytesOut.Load(),
		Backpressure: b.backpressure.Load(),
		QueuedEvents: len(b.queue),
		QueuedBytes:  b.queuedBytes,
		Paused:       b.paused,
	}
}

func (b *Bridge) report(gen uint64, dir string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || gen != b.gen || gen == b.reportedGen {
		return
	}
	b.reportedGen = gen
	b.log.Debug().Uint64("generation", gen).Str("direction", dir).Err(err).Msg("channel error")
	select {
	case b.errs <- &IOError{Generation: gen, Direction: dir, Err: err}:
	default:
	}
}

func (b *Bridge) drainErrs() {
	for {
		select {
		case <-b.errs:
		default:
			return
		}
	}
}
