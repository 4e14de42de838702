package pipe

import (
	"bytes"
	"sync"
	"time"
	"tlstream/transport"

	"github.com/benbjohnson/clock"
)

// See:
// - https://github.com/golang/go/issues/24205
// - https://github.com/golang/go/issues/34502
type bufferedPipe struct {
	addr Addr

	mu   sync.Mutex
	cond sync.Cond    // signalled on buffer, close and deadline changes.
	buf  bytes.Buffer // inbound bytes, protected by mu.

	capacity int

	serialMu sync.Mutex // For serialized write operations.

	_closed  bool
	closedMu sync.Mutex

	rdeadLine, wdeadLine *deadline

	// the opposite pipe.
	counterpart *bufferedPipe
}

var _ transport.Conn = (*bufferedPipe)(nil)

// BufferedPipe creates a pair of pipes. Each of them is asynchronous and
// buffered: writes complete without a concurrent reader as long as the
// counterpart's buffer has room. bufSize MUST be more than 0.
func BufferedPipe(name1, name2 string, clock clock.Clock, bufSize uint) (c1, c2 *bufferedPipe) {
	if bufSize == 0 {
		panic("buffer size cannot be 0")
	}

	c1 = &bufferedPipe{
		capacity:  int(bufSize),
		rdeadLine: newDeadLine(clock),
		wdeadLine: newDeadLine(clock),
		addr:      Addr{Name: name1},
	}
	c1.cond.L = &c1.mu

	c2 = &bufferedPipe{
		capacity:  int(bufSize),
		rdeadLine: newDeadLine(clock),
		wdeadLine: newDeadLine(clock),
		addr:      Addr{Name: name2},
	}
	c2.cond.L = &c2.mu

	c1.counterpart, c2.counterpart = c2, c1
	return
}

func (p *bufferedPipe) LocalAddr() transport.Addr  { return p.addr }
func (p *bufferedPipe) RemoteAddr() transport.Addr { return p.counterpart.addr }

func (p *bufferedPipe) Close() error {
	p.closedMu.Lock()
	p._closed = true
	p.closedMu.Unlock()

	p.cond.Broadcast()
	p.counterpart.cond.Broadcast()
	return nil
}

func (p *bufferedPipe) Read(b []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		// We must check for deadline first.
		if p.rdeadLine.exceeded() {
			return 0, transport.ErrDeadLineExceeded
		}

		// Even if connection is closed, we must be able to read from buffer.
		if p.buf.Len() > 0 {
			n, _ := p.buf.Read(b)
			// Buffer room became available; wake writers parked on us.
			p.cond.Broadcast()
			return n, nil
		}

		if p.closed() || p.counterpart.closed() {
			return 0, transport.ErrConnClosed
		}

		p.cond.Wait()
	}
}

func (p *bufferedPipe) Write(b []byte) (n int, err error) {
	// Serialize write operations to prevent interleaving write.
	p.serialMu.Lock()
	defer p.serialMu.Unlock()

	cp := p.counterpart

	cp.mu.Lock()
	defer cp.mu.Unlock()

	// Ensure all the bytes are sent.
	nn := 0
	for once := true; once || len(b) > 0; once = false {
		if p.wdeadLine.exceeded() {
			return nn, transport.ErrDeadLineExceeded
		}

		if p.closed() || cp.closed() {
			return nn, transport.ErrConnClosed
		}

		// We don't want counterpart's buffer to grow past its capacity.
		if room := cp.capacity - cp.buf.Len(); room > 0 && len(b) > 0 {
			canWrite := min(len(b), room)
			cp.buf.Write(b[:canWrite])
			b = b[canWrite:]
			nn += canWrite

			// Data became available; wake the counterpart's reader.
			cp.cond.Broadcast()
			continue
		}

		if len(b) == 0 {
			break
		}

		cp.cond.Wait()
	}

	return nn, nil
}

func (p *bufferedPipe) closed() bool {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	return p._closed
}

// Write waits on the counterpart's cond, so the write deadline must wake that.
func (p *bufferedPipe) SetReadDeadLine(t time.Time) {
	p.rdeadLine.set(t, p.cond.Broadcast)
}

func (p *bufferedPipe) SetWriteDeadLine(t time.Time) {
	p.wdeadLine.set(t, p.counterpart.cond.Broadcast)
}

func newDeadLine(clock clock.Clock) *deadline { return &deadline{clock: clock} }

type deadline struct {
	clock clock.Clock
	m     sync.Mutex

	timer *clock.Timer
	t     time.Time
}

func (d *deadline) set(t time.Time, onExceed func()) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.t = t

	if !t.IsZero() {
		d.timer = d.clock.AfterFunc(d.clock.Until(t), onExceed)
	}
}

func (d *deadline) exceeded() bool {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t.IsZero() {
		return false
	}

	return d.clock.Until(d.t) <= 0
}
