// Package pipe provides in-memory transport.Conn pairs used as test
// transports. The synchronous variant hands bytes over directly; the
// buffered variant decouples the two ends up to a fixed capacity.
package pipe

import (
	"sync"
	"time"
	"tlstream/transport"

	"github.com/benbjohnson/clock"
)

type Addr struct {
	Name string
}

func (p Addr) Identifier() any { return p.Name }
func (p Addr) String() string  { return p.Name }

var _ transport.Addr = Addr{}

// syncPipe is one end of an unbuffered pair. A writer parks its bytes as an
// offer on the counterpart; the counterpart's reader consumes the offer in
// place, possibly over several reads. The write completes only once the
// offer is fully consumed.
type syncPipe struct {
	addr Addr

	mu   sync.Mutex
	cond sync.Cond

	// offer holds bytes the counterpart's writer is currently handing over.
	// Protected by mu; an emptied offer completes the write.
	offer []byte

	serialMu sync.Mutex // For serialized write operations.

	_closed  bool
	closedMu sync.Mutex

	rdeadLine, wdeadLine *deadline

	// the opposite pipe.
	counterpart *syncPipe
}

var _ transport.Conn = (*syncPipe)(nil)

// Pipe creates a pair of pipes. Each of them is synchronous and unbuffered:
// a write completes only as the counterpart reads.
func Pipe(name1, name2 string, clock clock.Clock) (c1, c2 *syncPipe) {
	c1 = &syncPipe{
		rdeadLine: newDeadLine(clock),
		wdeadLine: newDeadLine(clock),
		addr:      Addr{Name: name1},
	}
	c1.cond.L = &c1.mu

	c2 = &syncPipe{
		rdeadLine: newDeadLine(clock),
		wdeadLine: newDeadLine(clock),
		addr:      Addr{Name: name2},
	}
	c2.cond.L = &c2.mu

	c1.counterpart, c2.counterpart = c2, c1
	return
}

func (p *syncPipe) LocalAddr() transport.Addr  { return p.addr }
func (p *syncPipe) RemoteAddr() transport.Addr { return p.counterpart.addr }

func (p *syncPipe) Close() error {
	p.closedMu.Lock()
	p._closed = true
	p.closedMu.Unlock()

	p.cond.Broadcast()
	p.counterpart.cond.Broadcast()
	return nil
}

func (p *syncPipe) Read(b []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		// We must check for deadline first.
		if p.rdeadLine.exceeded() {
			return 0, transport.ErrDeadLineExceeded
		}

		if p.closed() || p.counterpart.closed() {
			return 0, transport.ErrConnClosed
		}

		if len(p.offer) > 0 {
			n := copy(b, p.offer)
			p.offer = p.offer[n:]
			// Hand completion (or the remainder) back to the writer.
			p.cond.Broadcast()
			return n, nil
		}

		p.cond.Wait()
	}
}

func (p *syncPipe) Write(b []byte) (n int, err error) {
	// Serialize write operations to prevent interleaving write.
	p.serialMu.Lock()
	defer p.serialMu.Unlock()

	cp := p.counterpart

	cp.mu.Lock()
	defer cp.mu.Unlock()

	cp.offer = b
	cp.cond.Broadcast()

	for {
		if p.wdeadLine.exceeded() {
			n := len(b) - len(cp.offer)
			cp.offer = nil
			return n, transport.ErrDeadLineExceeded
		}

		if p.closed() || cp.closed() {
			n := len(b) - len(cp.offer)
			cp.offer = nil
			return n, transport.ErrConnClosed
		}

		if len(cp.offer) == 0 {
			cp.offer = nil
			return len(b), nil
		}

		cp.cond.Wait()
	}
}

func (p *syncPipe) closed() bool {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	return p._closed
}

// Write waits on the counterpart's cond, so the write deadline must wake that.
func (p *syncPipe) SetReadDeadLine(t time.Time) {
	p.rdeadLine.set(t, p.cond.Broadcast)
}

func (p *syncPipe) SetWriteDeadLine(t time.Time) {
	p.wdeadLine.set(t, p.counterpart.cond.Broadcast)
}
