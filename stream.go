// Package tlstream layers Transport Layer Security over an arbitrary ordered
// byte transport. A Stream performs the handshake, protects application
// bytes with TLS record framing, and exposes the same stream shape as the
// transport underneath it. The cryptographic engine is the platform security
// provider, driven as an opaque token-stepping object; this package owns the
// record plumbing, the handshake state machine and certificate policy.
package tlstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"sync"
	"time"
	iolib "tlstream/lib/io"
	"tlstream/record"
	"tlstream/secctx"
	"tlstream/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HandshakeState is the lifecycle of a stream's negotiation.
type HandshakeState uint8

const (
	StateNotStarted HandshakeState = iota
	StateNegotiating
	StateVerifyingPeer
	StateComplete
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateNegotiating:
		return "negotiating"
	case StateVerifyingPeer:
		return "verifying peer"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Stream is a TLS session over a transport connection. One handshake, one
// read and one write may be in flight concurrently; reads and writes are
// independent directions. Two concurrent reads (or writes, or handshakes)
// are not allowed and are serialized internally.
type Stream struct {
	underlying transport.Conn
	clock      clock.Clock
	logger     *zap.Logger
	config     *Config

	role secctx.Role
	sctx secctx.Context

	mu            sync.Mutex
	state         HandshakeState
	terminalErr   error
	closeSent     bool
	closeReceived bool

	in  sync.Mutex // read direction: codec, plainBuf, readBuf
	out sync.Mutex // write direction

	codec            record.Codec
	plainBuf         bytes.Reader
	readBuf          []byte
	sawPeerHandshake bool
}

// Client wraps conn in a TLS stream acting as the connecting side.
// The config is borrowed read-only and must outlive the stream.
func Client(conn transport.Conn, clk clock.Clock, config *Config) (*Stream, error) {
	return newStream(conn, clk, config, secctx.RoleClient)
}

// Server wraps conn in a TLS stream acting as the accepting side.
func Server(conn transport.Conn, clk clock.Clock, config *Config) (*Stream, error) {
	return newStream(conn, clk, config, secctx.RoleServer)
}

func newStream(conn transport.Conn, clk clock.Clock, config *Config, role secctx.Role) (*Stream, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Stream{
		underlying: conn,
		clock:      clk,
		logger:     logger.With(zap.Stringer("role", role)),
		config:     config,
		role:       role,
		readBuf:    make([]byte, 4096),
	}

	creds, err := config.credentials(role)
	if err != nil {
		return nil, errors.Wrap(err, "deriving credentials")
	}
	creds.VerifyPeer = s.peerVerifier(newVerifier(config, role, clk))

	s.sctx, err = secctx.New(role, creds)
	if err != nil {
		return nil, errors.Wrap(err, "creating security context")
	}
	return s, nil
}

// peerVerifier bridges the context's chain callback into the VerifyingPeer
// state. It runs synchronously within a negotiation step.
func (s *Stream) peerVerifier(v *verifier) func(chain []*x509.Certificate) error {
	return func(chain []*x509.Certificate) error {
		s.setState(StateVerifyingPeer)
		if err := v.verify(chain); err != nil {
			return err
		}
		s.setState(StateNegotiating)
		return nil
	}
}

// State reports the current handshake state.
func (s *Stream) State() HandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionState reports the negotiated session parameters. Only
// meaningful once the handshake completed.
func (s *Stream) ConnectionState() tls.ConnectionState {
	return s.sctx.ConnectionState()
}

// Handshake drives the negotiation until it completes or fails. Cancelling
// ctx closes the underlying transport, which aborts the handshake; the
// stream then remains in the Failed state.
func (s *Stream) Handshake(ctx context.Context) error {
	s.out.Lock()
	defer s.out.Unlock()
	s.in.Lock()
	defer s.in.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateNotStarted:
	case StateFailed:
		err := s.terminalErr
		s.mu.Unlock()
		return err
	default:
		state := s.state
		s.mu.Unlock()
		return errors.Errorf("handshake already performed (state: %s)", state)
	}
	s.state = StateNegotiating
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.underlying.Close()
		case <-stop:
		}
	}()

	if timeout := s.config.HandshakeTimeout; timeout > 0 {
		deadLine := s.clock.Now().Add(timeout)
		s.underlying.SetReadDeadLine(deadLine)
		s.underlying.SetWriteDeadLine(deadLine)
		defer func() {
			s.underlying.SetReadDeadLine(time.Time{})
			s.underlying.SetWriteDeadLine(time.Time{})
		}()
	}

	if err := s.negotiate(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Wrapf(err, "handshake cancelled: %v", ctxErr)
		}
		return s.fail(err)
	}

	s.setState(StateComplete)

	state := s.sctx.ConnectionState()
	s.logger.Debug("handshake complete",
		zap.Stringer("version", record.Version(state.Version)),
		zap.Uint16("cipher_suite", state.CipherSuite),
	)
	return nil
}

// Read returns decrypted application bytes, draining buffered plaintext
// before touching the transport. Bytes are delivered in the exact order the
// peer encrypted them.
func (s *Stream) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.in.Lock()
	defer s.in.Unlock()

	if err := s.checkEstablished(); err != nil {
		return 0, err
	}

	if s.plainBuf.Len() > 0 {
		return s.plainBuf.Read(p)
	}

	if s.readClosed() {
		return 0, ErrStreamClosed
	}

	for {
		rec, err := s.nextRecord()
		if err != nil {
			if errors.Is(err, transport.ErrDeadLineExceeded) {
				// Partial state is retained; the read may be retried.
				return 0, err
			}
			return 0, s.fail(err)
		}

		plaintext, err := s.sctx.Decrypt(rec.Bytes())
		if err != nil {
			if errors.Is(err, secctx.ErrClosedByPeer) {
				s.mu.Lock()
				s.closeReceived = true
				s.mu.Unlock()
				return 0, ErrStreamClosed
			}
			return 0, s.fail(mapEngineError(err))
		}

		if len(plaintext) == 0 {
			// Records consumed internally (tickets, key updates).
			continue
		}

		s.plainBuf.Reset(plaintext)
		return s.plainBuf.Read(p)
	}
}

// Write encrypts p and pushes the resulting records to the transport,
// splitting oversized payloads into multiple records transparently. It
// returns once the ciphertext is fully accepted by the transport.
func (s *Stream) Write(p []byte) (n int, err error) {
	s.out.Lock()
	defer s.out.Unlock()

	if err := s.checkEstablished(); err != nil {
		return 0, err
	}
	if s.writeClosed() {
		return 0, ErrStreamClosed
	}

	recordBytes, err := s.sctx.Encrypt(p)
	if err != nil {
		return 0, s.fail(mapEngineError(err))
	}

	if _, err := iolib.WriteFull(s.underlying, recordBytes); err != nil {
		// Partially written ciphertext cannot be resumed.
		return 0, s.fail(errors.Wrap(err, "writing records"))
	}
	return len(p), nil
}

// Shutdown performs the protocol-level close: it sends a close notify and
// waits for the peer's, bounded by Config.CloseTimeout. An unresponsive
// peer degrades to a silent return; the transport itself stays open and
// belongs to the caller.
func (s *Stream) Shutdown() error {
	s.out.Lock()
	if err := s.checkEstablished(); err != nil {
		s.out.Unlock()
		return err
	}

	if !s.writeClosed() {
		token, err := s.sctx.SendClose()
		if err != nil {
			s.out.Unlock()
			return s.fail(mapEngineError(err))
		}
		if _, err := iolib.WriteFull(s.underlying, token); err != nil {
			s.out.Unlock()
			return s.fail(errors.Wrap(err, "writing close notify"))
		}

		s.mu.Lock()
		s.closeSent = true
		s.mu.Unlock()
	}
	s.out.Unlock()

	s.in.Lock()
	defer s.in.Unlock()

	if s.readClosed() {
		return nil
	}

	if timeout := s.config.CloseTimeout; timeout > 0 {
		s.underlying.SetReadDeadLine(s.clock.Now().Add(timeout))
		defer s.underlying.SetReadDeadLine(time.Time{})
	}

	// Drain records until the peer's close notify arrives.
	for {
		rec, err := s.nextRecord()
		if err != nil {
			if errors.Is(err, transport.ErrDeadLineExceeded) ||
				errors.Is(err, transport.ErrConnClosed) {
				// The peer did not reciprocate in time.
				s.logger.Debug("shutdown degraded", zap.Error(err))
				return nil
			}
			return s.fail(err)
		}

		if _, err := s.sctx.Decrypt(rec.Bytes()); err != nil {
			if errors.Is(err, secctx.ErrClosedByPeer) {
				s.mu.Lock()
				s.closeReceived = true
				s.mu.Unlock()
				return nil
			}
			return s.fail(mapEngineError(err))
		}
		// Drained application data is discarded.
	}
}

// Close releases the stream and closes the underlying transport. A best
// effort close notify is sent when the session is established.
func (s *Stream) Close() error {
	if s.State() == StateComplete {
		s.out.Lock()
		if !s.writeClosed() {
			if token, err := s.sctx.SendClose(); err == nil {
				_, _ = iolib.WriteFull(s.underlying, token) // best effort
			}
			s.mu.Lock()
			s.closeSent = true
			s.mu.Unlock()
		}
		s.out.Unlock()
	}

	err1 := s.sctx.Close()
	err2 := s.underlying.Close()
	return stderrors.Join(err1, err2)
}

// nextRecord pulls whole records off the transport, feeding the codec with
// whatever arrives. Assumes s.in is held.
func (s *Stream) nextRecord() (record.Record, error) {
	for {
		rec, ok, err := s.codec.TryTake()
		if err != nil {
			return record.Record{}, errors.Wrapf(ErrIllegalMessage, "%v", err)
		}
		if ok {
			return rec, nil
		}

		n, err := s.underlying.Read(s.readBuf)
		if n > 0 {
			s.codec.Feed(s.readBuf[:n])
		}
		if err != nil {
			return record.Record{}, err
		}
	}
}

func (s *Stream) checkEstablished() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateComplete:
		return nil
	case StateFailed:
		return s.terminalErr
	}
	return errors.Wrapf(ErrHandshakeRequired, "state: %s", s.state)
}

// fail moves the stream to the terminal Failed state. The first error wins
// and is returned for this and every subsequent operation.
func (s *Stream) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	if s.terminalErr == nil {
		s.terminalErr = err
	}
	err = s.terminalErr
	s.mu.Unlock()

	s.sctx.Close()

	s.logger.Debug("stream failed", zap.Error(err))
	return err
}

func (s *Stream) setState(state HandshakeState) {
	s.mu.Lock()
	from := s.state
	s.state = state
	s.mu.Unlock()

	if from != state {
		s.logger.Debug("state transition",
			zap.Stringer("from", from), zap.Stringer("to", state))
	}
}

func (s *Stream) writeClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSent
}

func (s *Stream) readClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReceived
}
