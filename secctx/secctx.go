// Package secctx adapts the platform security provider (crypto/tls) to a
// call-and-continue stepping contract: feed input tokens, collect output
// tokens, repeat until the negotiation reports completion or failure. The
// provider's internals are treated as a black box; its only observable
// behavior is the {status, output tokens} pair per step.
package secctx

import (
	"crypto/tls"
	"crypto/x509"
	"io"

	"github.com/pkg/errors"
)

// Role selects which side of the negotiation a context drives.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	}
	return "unknown"
}

// Status is the continuation state reported by a negotiation step.
type Status uint8

const (
	// StatusNeedInput means the context consumed its input and needs more
	// peer tokens before it can make progress.
	StatusNeedInput Status = iota + 1
	// StatusComplete means the negotiation finished. The result may still
	// carry a final output token that must reach the peer.
	StatusComplete
)

// StepResult is the outcome of one negotiation step. Output holds tokens to
// be transmitted to the peer; it may be non-empty even when the step failed
// (e.g. a fatal alert) and should be flushed regardless.
type StepResult struct {
	Output []byte
	Status Status
}

var (
	// ErrIncompleteRecord reports that decryption was handed a partial
	// record and needs more bytes. It is NOT a decryption failure; the fed
	// bytes stay buffered and the remainder may be supplied later.
	ErrIncompleteRecord = errors.New("record incomplete, more bytes needed")

	// ErrClosedByPeer reports that the peer signalled the protocol-level
	// end of the secure channel (close notify).
	ErrClosedByPeer = errors.New("peer closed the secure channel")

	ErrContextClosed   = errors.New("security context is closed")
	ErrNotEstablished  = errors.New("negotiation has not completed")
	ErrAlreadyComplete = errors.New("negotiation already finished")
)

// Credentials is the read-only negotiation material a context borrows.
// It may be shared across many contexts and must outlive all of them.
type Credentials struct {
	// MinVersion and MaxVersion bound the negotiable protocol versions
	// (wire codes, e.g. 0x0303). Zero means provider default.
	MinVersion, MaxVersion uint16

	// Chains holds the local certificate chains offered to the peer.
	Chains []tls.Certificate

	// ServerName is the peer identity a client advertises (SNI).
	ServerName string

	// VerifyPeer, when set, is invoked once per negotiation as soon as the
	// peer chain is available. Returning an error aborts the negotiation.
	// When nil every chain is accepted.
	VerifyPeer func(chain []*x509.Certificate) error

	// Rand sources negotiation randomness. Nil means crypto/rand.
	Rand io.Reader
}

// Context is one side of a TLS negotiation plus the record protection that
// follows it. A Context is owned by exactly one stream; no method may be
// invoked concurrently with another except Close.
type Context interface {
	// Step advances the negotiation. input must be whole records (never a
	// partial record); it is nil for the initiating step. On error the
	// result's Output may still hold a final token (alert) to flush.
	Step(input []byte) (StepResult, error)

	// Encrypt seals application plaintext into one or more protected
	// records, splitting oversized plaintext transparently.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt opens one record fed as raw bytes and returns its plaintext,
	// which may be empty for records consumed internally. It returns
	// ErrIncompleteRecord when fed a partial record and ErrClosedByPeer on
	// the peer's close notify. Any other error is a fatal protection
	// failure and must not be retried.
	Decrypt(recordBytes []byte) ([]byte, error)

	// SendClose produces the close-notify token for transmission.
	SendClose() ([]byte, error)

	// PeerChain returns the peer certificate chain observed during the
	// negotiation, or nil if none was presented (yet).
	PeerChain() []*x509.Certificate

	// ConnectionState reports the negotiated parameters. Only meaningful
	// once Step has reported StatusComplete.
	ConnectionState() tls.ConnectionState

	// Close releases the context. Safe to call at any point; an in-flight
	// negotiation is aborted.
	Close() error
}
