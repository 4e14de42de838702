package secctx

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"io"
	"sync"
	"tlstream/record"

	"github.com/pkg/errors"
)

// engine drives the provider's negotiation object over a tokenPipe. The
// provider runs on a pump goroutine during negotiation; every time it blocks
// for peer bytes the pump parks and the pending Step observes NeedInput.
// Exactly one stall signal is produced per park, so the Step/feed handoff is
// deterministic: between Step calls the pump is either parked or finished.
type engine struct {
	conn *tls.Conn
	pipe *tokenPipe

	mu       sync.Mutex
	started  bool
	awaiting bool // pump is parked waiting for the next input token
	done     bool
	closed   bool
	hsErr    error

	hsDoneC chan error

	peerChain []*x509.Certificate

	readBuf []byte
	inBuf   []byte // partial record bytes awaiting their remainder
}

var _ Context = (*engine)(nil)

// New creates a security context for the given role borrowing creds.
func New(role Role, creds *Credentials) (Context, error) {
	if creds == nil {
		creds = &Credentials{}
	}

	e := &engine{
		pipe:    newTokenPipe(),
		hsDoneC: make(chan error, 1),
		readBuf: make([]byte, 16384),
	}

	cfg := &tls.Config{
		MinVersion:   creds.MinVersion,
		MaxVersion:   creds.MaxVersion,
		Certificates: creds.Chains,
		ServerName:   creds.ServerName,
		Rand:         creds.Rand,

		// Verification runs through the VerifyPeer capability below, never
		// through the provider's built-in store.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: e.verifyPeer(creds.VerifyPeer),
	}

	switch role {
	case RoleClient:
		e.conn = tls.Client(e.pipe, cfg)
	case RoleServer:
		e.conn = tls.Server(e.pipe, cfg)
	default:
		return nil, errors.Errorf("unknown role: %d", role)
	}

	return e, nil
}

func (e *engine) verifyPeer(
	verify func(chain []*x509.Certificate) error,
) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		chain := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return errors.Wrap(err, "parsing peer certificate")
			}
			chain = append(chain, cert)
		}

		e.mu.Lock()
		e.peerChain = chain
		e.mu.Unlock()

		if verify == nil {
			return nil
		}
		return verify(chain)
	}
}

func (e *engine) Step(input []byte) (StepResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return StepResult{}, ErrContextClosed
	}
	if e.done {
		e.mu.Unlock()
		return StepResult{}, ErrAlreadyComplete
	}

	if !e.started {
		e.started = true
		e.mu.Unlock()

		if len(input) > 0 {
			e.pipe.push(input)
		}
		go func() { e.hsDoneC <- e.conn.Handshake() }()
	} else {
		awaiting := e.awaiting
		e.awaiting = false
		e.mu.Unlock()

		if !awaiting {
			return StepResult{}, errors.New("step called while negotiation is not waiting for input")
		}
		e.pipe.feedC <- input
	}

	select {
	case <-e.pipe.stallC:
		e.mu.Lock()
		e.awaiting = true
		e.mu.Unlock()

		return StepResult{Output: e.pipe.takeOutput(), Status: StatusNeedInput}, nil

	case err := <-e.hsDoneC:
		e.mu.Lock()
		e.done = true
		e.hsErr = err
		e.mu.Unlock()

		e.pipe.setSynchronous()

		// Output may carry a final token, or the fatal alert on error.
		out := e.pipe.takeOutput()
		if err != nil {
			return StepResult{Output: out}, errors.Wrap(err, "negotiation step")
		}
		return StepResult{Output: out, Status: StatusComplete}, nil
	}
}

func (e *engine) Encrypt(plaintext []byte) ([]byte, error) {
	if err := e.ensureEstablished(); err != nil {
		return nil, err
	}

	if _, err := e.conn.Write(plaintext); err != nil {
		return nil, errors.Wrap(err, "sealing records")
	}
	return e.pipe.takeOutput(), nil
}

func (e *engine) Decrypt(recordBytes []byte) ([]byte, error) {
	if err := e.ensureEstablished(); err != nil {
		return nil, err
	}

	// Only whole records reach the provider; a trailing partial stays here
	// until its remainder is fed. The provider buffers whatever it is given,
	// so incompleteness must be decided from the record headers up front.
	e.inBuf = append(e.inBuf, recordBytes...)
	complete := wholeRecordsLen(e.inBuf)
	if complete == 0 {
		return nil, ErrIncompleteRecord
	}

	e.pipe.push(e.inBuf[:complete])
	e.inBuf = append([]byte(nil), e.inBuf[complete:]...)

	var out []byte
	for {
		n, err := e.conn.Read(e.readBuf)
		if n > 0 {
			out = append(out, e.readBuf[:n]...)
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, errWouldBlock):
			// Records yielding no bytes were consumed internally.
			return out, nil
		case errors.Is(err, io.EOF):
			return out, ErrClosedByPeer
		default:
			return nil, errors.Wrap(err, "opening record")
		}
	}
}

// wholeRecordsLen reports how many leading bytes of buf form complete
// records, per their declared header lengths.
func wholeRecordsLen(buf []byte) int {
	total := 0
	for {
		rest := buf[total:]
		if len(rest) < record.HeaderLen {
			return total
		}
		declared := int(binary.BigEndian.Uint16(rest[3:5]))
		if len(rest) < record.HeaderLen+declared {
			return total
		}
		total += record.HeaderLen + declared
	}
}

func (e *engine) SendClose() ([]byte, error) {
	if err := e.ensureEstablished(); err != nil {
		return nil, err
	}

	if err := e.conn.CloseWrite(); err != nil {
		return nil, errors.Wrap(err, "sealing close notify")
	}
	return e.pipe.takeOutput(), nil
}

func (e *engine) PeerChain() []*x509.Certificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerChain
}

func (e *engine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}

// Close aborts an in-flight negotiation and releases the context. The pump
// goroutine, if any, is reaped.
func (e *engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	reap := e.started && !e.done
	e.mu.Unlock()

	if reap {
		close(e.pipe.feedC)
		go func() {
			for {
				select {
				case <-e.pipe.stallC:
					// Pump parked after close; the closed feed channel
					// unparks it with EOF on its next receive.
				case <-e.hsDoneC:
					return
				}
			}
		}()
	}
	return nil
}

func (e *engine) ensureEstablished() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return ErrContextClosed
	case !e.done:
		return ErrNotEstablished
	case e.hsErr != nil:
		return errors.Wrap(e.hsErr, "negotiation failed")
	}
	return nil
}
