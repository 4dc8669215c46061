package bridge

import (
	"time"

	"github.com/tanlethanh/zedra/internal/terminal"
)

// read copies one channel generation into the inbound queue.
func (b *Bridge) read(gen uint64, ch Channel, done chan struct{}) {
	defer b.wg.Done()
	defer close(done)

	buf := make([]byte, b.cfg.ReadSize)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			b.lastInbound.Store(time.Now().UnixNano())
			b.bytesIn.Add(uint64(n))
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case b.inbound <- chunk:
			default:
				b.backpressure.Add(1)
				b.log.Debug().Err(ErrSinkBackpressure).Int("queued_chunks", len(b.inbound)).Msg("inbound queue full")
				select {
				case b.inbound <- chunk:
				case <-b.ctx.Done():
					return
				}
			}
		}
		if err != nil {
			b.report(gen, "inbound", err)
			return
		}
	}
}

func (b *Bridge) deliver() {
	defer b.wg.Done()
	for {
		select {
		case chunk := <-b.inbound:
			b.sink.Feed(chunk)
		case <-b.ctx.Done():
			return
		}
	}
}

// collect moves sink input into the outbound queue.
func (b *Bridge) collect() {
	defer b.wg.Done()
	events := b.sink.InputEvents()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !b.enqueue(ev) {
				return
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// enqueue blocks while the queue is over its byte bound. Consecutive resizes
// collapse into the latest one unless the earlier one is already being
// written.
func (b *Bridge) enqueue(ev terminal.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Kind == terminal.Resize {
		b.cols, b.rows = ev.Cols, ev.Rows
		if n := len(b.queue); n > 0 && b.queue[n-1].kind == terminal.Resize && !(n == 1 && b.inflight) {
			b.queue[n-1].cols, b.queue[n-1].rows = ev.Cols, ev.Rows
			return !b.closed
		}
		b.queue = append(b.queue, outItem{kind: terminal.Resize, cols: ev.Cols, rows: ev.Rows})
		b.cond.Broadcast()
		return !b.closed
	}

	if len(ev.Data) == 0 {
		return !b.closed
	}
	for !b.closed && b.queuedBytes > 0 && b.queuedBytes+len(ev.Data) > b.cfg.OutboundBytes {
		b.cond.Wait()
	}
	if b.closed {
		return false
	}
	b.queue = append(b.queue, outItem{kind: terminal.Keys, data: append([]byte(nil), ev.Data...)})
	b.queuedBytes += len(ev.Data)
	b.cond.Broadcast()
	return true
}

// write sends the head of the queue and pops it only once it is fully
// written.
func (b *Bridge) write() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		for !b.closed && (len(b.queue) == 0 || b.paused || b.ch == nil) {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		head := b.queue[0]
		ch, gen := b.ch, b.gen
		b.inflight = true
		b.mu.Unlock()

		var (
			n   int
			err error
		)
		if head.kind == terminal.Resize {
			err = ch.WindowChange(head.cols, head.rows)
		} else {
			n, err = ch.Write(head.data)
		}

		b.mu.Lock()
		b.inflight = false
		if n > 0 {
			b.bytesOut.Add(uint64(n))
			b.queue[0].data = b.queue[0].data[n:]
			b.queuedBytes -= n
		}
		if err == nil || (head.kind == terminal.Keys && len(b.queue[0].data) == 0) {
			b.queue = b.queue[1:]
		}
		if err != nil && gen == b.gen {
			b.paused = true
		}
		b.cond.Broadcast()
		b.mu.Unlock()

		if err != nil {
			b.report(gen, "outbound", err)
		}
	}
}
