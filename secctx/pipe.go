package secctx

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// wouldBlockError is returned by tokenPipe reads when no record bytes are
// buffered in synchronous mode. It must look temporary to the provider so
// the connection is not poisoned and the read can be retried after more
// bytes arrive.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "no buffered record bytes" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var errWouldBlock net.Error = wouldBlockError{}

// tokenPipe is the in-memory wire between the adapter and the provider. The
// provider sees a net.Conn; the adapter sees token buffers.
//
// During negotiation the pump goroutine owns the reading side: an empty
// inbound buffer parks the pump (stall/feed channel handoff) so the adapter
// can observe "needs more input". After negotiation reads are synchronous
// and an empty buffer yields errWouldBlock instead.
type tokenPipe struct {
	mu          sync.Mutex
	in          bytes.Buffer // tokens awaiting consumption by the provider
	out         bytes.Buffer // tokens produced by the provider
	synchronous bool
	eof         bool

	stallC chan struct{}
	feedC  chan []byte
}

func newTokenPipe() *tokenPipe {
	return &tokenPipe{
		stallC: make(chan struct{}),
		feedC:  make(chan []byte),
	}
}

func (t *tokenPipe) Read(p []byte) (int, error) {
	t.mu.Lock()
	for t.in.Len() == 0 {
		if t.eof {
			t.mu.Unlock()
			return 0, io.EOF
		}
		if t.synchronous {
			t.mu.Unlock()
			return 0, errWouldBlock
		}

		// Park until the adapter feeds the next token.
		t.mu.Unlock()
		t.stallC <- struct{}{}
		token, ok := <-t.feedC
		t.mu.Lock()

		if !ok {
			t.eof = true
			continue
		}
		t.in.Write(token)
	}

	n, _ := t.in.Read(p)
	t.mu.Unlock()
	return n, nil
}

func (t *tokenPipe) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Write(p)
}

// push appends a token to the inbound buffer without the channel handoff.
func (t *tokenPipe) push(token []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.in.Write(token)
}

// takeOutput drains and returns everything the provider has produced.
func (t *tokenPipe) takeOutput() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.out.Len() == 0 {
		return nil
	}
	out := make([]byte, t.out.Len())
	t.out.Read(out)
	return out
}

// setSynchronous switches reads to would-block mode. Called once the pump
// goroutine has exited.
func (t *tokenPipe) setSynchronous() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.synchronous = true
}

// net.Conn boilerplate; the provider never uses these meaningfully here.

type tokenAddr struct{}

func (tokenAddr) Network() string { return "secctx" }
func (tokenAddr) String() string  { return "secctx" }

func (t *tokenPipe) Close() error                     { return nil }
func (t *tokenPipe) LocalAddr() net.Addr              { return tokenAddr{} }
func (t *tokenPipe) RemoteAddr() net.Addr             { return tokenAddr{} }
func (t *tokenPipe) SetDeadline(time.Time) error      { return nil }
func (t *tokenPipe) SetReadDeadline(time.Time) error  { return nil }
func (t *tokenPipe) SetWriteDeadline(time.Time) error { return nil }
