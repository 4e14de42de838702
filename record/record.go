// Package record implements TLS record framing: encoding records for the
// wire and reassembling whole records from arbitrarily fragmented transport
// reads.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc5246#section-6.2.1
package record

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ContentType identifies the payload a record carries.
type ContentType uint8

const (
	TypeChangeCipherSpec ContentType = 20
	TypeAlert            ContentType = 21
	TypeHandshake        ContentType = 22
	TypeApplicationData  ContentType = 23
)

// Known reports whether t is a content type defined by the protocol.
func (t ContentType) Known() bool {
	return t >= TypeChangeCipherSpec && t <= TypeApplicationData
}

func (t ContentType) String() string {
	switch t {
	case TypeChangeCipherSpec:
		return "change_cipher_spec"
	case TypeAlert:
		return "alert"
	case TypeHandshake:
		return "handshake"
	case TypeApplicationData:
		return "application_data"
	}
	return "unknown"
}

// Version is a protocol version as it appears on the wire.
type Version uint16

const (
	VersionSSL30 Version = 0x0300
	VersionTLS10 Version = 0x0301
	VersionTLS11 Version = 0x0302
	VersionTLS12 Version = 0x0303
	VersionTLS13 Version = 0x0304
)

func (v Version) Bytes() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v))
	return b
}

func (v Version) String() string {
	switch v {
	case VersionSSL30:
		return "SSL 3.0"
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	}
	return "unknown"
}

// HeaderLen is the fixed record header size:
// 1-byte type, 2-byte version, 2-byte length.
const HeaderLen = 5

// MaxPayloadLen is the largest payload a record may declare: the 2^14
// plaintext limit plus the ciphertext expansion allowed through TLS 1.2.
// TLS 1.3 caps expansion at 256 bytes, but that tighter bound is enforced
// by the security provider once the version is negotiated.
// Reference: https://datatracker.ietf.org/doc/html/rfc5246#section-6.2.3
const MaxPayloadLen = (2 << 13) + 2048

// Record is one whole TLS record.
type Record struct {
	Type    ContentType
	Version Version
	Payload []byte
}

// Bytes encodes the record with its 5-byte header.
func (r Record) Bytes() []byte {
	b := make([]byte, HeaderLen+len(r.Payload))
	b[0] = byte(r.Type)
	binary.BigEndian.PutUint16(b[1:3], uint16(r.Version))
	binary.BigEndian.PutUint16(b[3:5], uint16(len(r.Payload)))
	copy(b[HeaderLen:], r.Payload)
	return b
}

// Handshake message header: 1-byte message type, 3-byte length.
// Reference: https://datatracker.ietf.org/doc/html/rfc8446#section-4
const HandshakeHeaderLen = 4

type HandshakeType uint8

const (
	TypeClientHello HandshakeType = 1
	TypeServerHello HandshakeType = 2
)

// ParseHandshakeHeader reads the handshake message framing from the start of
// a handshake record payload.
func ParseHandshakeHeader(payload []byte) (typ HandshakeType, length int, err error) {
	if len(payload) < HandshakeHeaderLen {
		return 0, 0, errors.New("short handshake message")
	}

	typ = HandshakeType(payload[0])
	length = int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])

	return typ, length, nil
}
