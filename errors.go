package tlstream

import (
	"crypto/tls"
	"fmt"
	"strings"
	"tlstream/secctx"
	"tlstream/transport"

	"github.com/pkg/errors"
)

// ErrStreamClosed reports that the secure channel was closed, either locally
// or by the peer's close notify.
var ErrStreamClosed = errors.Wrap(transport.ErrConnClosed, "tls stream is closed")

var (
	// ErrIllegalMessage reports a protocol violation: a malformed record,
	// a record type that is not allowed in the current phase, or a
	// handshake message the negotiation cannot accept.
	ErrIllegalMessage = errors.New("illegal tls message")

	// ErrPrematureClose reports that the transport reached end-of-stream
	// while the handshake was still negotiating.
	ErrPrematureClose = errors.New("transport closed during negotiation")

	// ErrNegotiationFailed reports that the security provider rejected the
	// negotiation (unsupported version, cipher mismatch, peer alert, ...).
	ErrNegotiationFailed = errors.New("tls negotiation failed")

	// ErrDecryptFailed reports a record that failed its integrity check.
	// It is always fatal and never retried.
	ErrDecryptFailed = errors.New("record authentication failed")

	// ErrHandshakeRequired reports an operation attempted before a
	// successful handshake.
	ErrHandshakeRequired = errors.New("handshake has not been performed")
)

// CertificateReason discriminates certificate failures so callers can tell
// untrusted peers from malformed input.
type CertificateReason uint8

const (
	CertInvalidData CertificateReason = iota + 1
	CertUntrustedRoot
	CertHostnameMismatch
	CertExpired
)

func (r CertificateReason) String() string {
	switch r {
	case CertInvalidData:
		return "invalid certificate data"
	case CertUntrustedRoot:
		return "untrusted root"
	case CertHostnameMismatch:
		return "hostname mismatch"
	case CertExpired:
		return "certificate expired"
	}
	return "unknown certificate error"
}

// CertificateError is a certificate verification failure with a stable
// machine-readable reason.
type CertificateError struct {
	Reason CertificateReason
	cause  error
}

func newCertificateError(reason CertificateReason, cause error) *CertificateError {
	return &CertificateError{Reason: reason, cause: cause}
}

func (e *CertificateError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("certificate verification failed: %s: %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("certificate verification failed: %s", e.Reason)
}

func (e *CertificateError) Cause() error  { return e.cause }
func (e *CertificateError) Unwrap() error { return e.cause }

// mapEngineError folds provider errors into the stream's error taxonomy.
// Transport errors keep their identity; certificate errors produced by the
// verifier pass through unchanged.
func mapEngineError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, transport.ErrConnClosed) || errors.Is(err, transport.ErrDeadLineExceeded) {
		return err
	}

	certErr := new(CertificateError)
	if errors.As(err, &certErr) {
		return certErr
	}

	if errors.Is(err, secctx.ErrClosedByPeer) {
		return ErrStreamClosed
	}

	recErr := new(tls.RecordHeaderError)
	if errors.As(err, recErr) {
		return errors.Wrapf(ErrIllegalMessage, "%v", err)
	}

	// The provider reports the remaining conditions as opaque alert text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "remote error") && strings.Contains(msg, "certificate"):
		// The peer rejected our credentials and tore the session down.
		// Locally the stream simply ended, the same as a transport-level
		// close; the rejection itself is the peer's error, not ours.
		return errors.Wrapf(ErrPrematureClose, "%v", err)
	case strings.Contains(msg, "unexpected message"),
		strings.Contains(msg, "unexpected handshake message"),
		strings.Contains(msg, "illegal parameter"):
		return errors.Wrapf(ErrIllegalMessage, "%v", err)
	case strings.Contains(msg, "bad record MAC"),
		strings.Contains(msg, "decryption failed"),
		strings.Contains(msg, "message authentication failed"):
		return errors.Wrapf(ErrDecryptFailed, "%v", err)
	}

	return errors.Wrapf(ErrNegotiationFailed, "%v", err)
}
