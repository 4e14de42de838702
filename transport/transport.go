// Package transport defines the byte-transport capability consumed by the
// layers above it. A transport moves opaque ordered bytes; it knows nothing
// about records or framing.
package transport

import (
	"errors"
	"time"
)

var (
	ErrConnClosed       = errors.New("connection is closed")
	ErrDeadLineExceeded = errors.New("deadline exceeded")
)

// Conn is an ordered byte-stream connection with partial completion
// semantics: Read and Write may transfer fewer bytes than requested
// without that being an error.
type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error

	LocalAddr() Addr
	RemoteAddr() Addr

	SetReadDeadLine(t time.Time)
	SetWriteDeadLine(t time.Time)
}

type Addr interface {
	Identifier() any // Extra identifier (e.g. name)
	String() string
}
