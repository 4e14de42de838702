package record

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	ErrPayloadTooLong     = errors.New("record length exceeds maximum allowed size")
	ErrUnknownContentType = errors.New("unknown record content type")
	ErrBadVersion         = errors.New("malformed record version")
)

// Codec accumulates raw transport bytes and yields whole records. A single
// feed may complete zero, one or many records; trailing bytes of a partial
// record are retained as-is for the next feed.
type Codec struct {
	buf []byte
}

// Feed appends raw transport bytes to the accumulator.
func (c *Codec) Feed(raw []byte) {
	c.buf = append(c.buf, raw...)
}

// TryTake extracts the next whole record. ok is false while the accumulator
// does not yet hold a record's declared length. Header validation failures
// are permanent; the codec must not be used afterwards.
func (c *Codec) TryTake() (rec Record, ok bool, err error) {
	if len(c.buf) < HeaderLen {
		return Record{}, false, nil
	}

	typ := ContentType(c.buf[0])
	version := Version(binary.BigEndian.Uint16(c.buf[1:3]))
	length := int(binary.BigEndian.Uint16(c.buf[3:5]))

	if !typ.Known() {
		return Record{}, false, errors.Wrapf(ErrUnknownContentType, "type %d", uint8(typ))
	}
	if version>>8 != 0x03 {
		return Record{}, false, errors.Wrapf(ErrBadVersion, "version %#04x", uint16(version))
	}
	if length > MaxPayloadLen {
		return Record{}, false, errors.Wrapf(ErrPayloadTooLong, "declared %d bytes", length)
	}

	if len(c.buf) < HeaderLen+length {
		return Record{}, false, nil
	}

	payload := make([]byte, length)
	copy(payload, c.buf[HeaderLen:HeaderLen+length])
	c.buf = c.buf[HeaderLen+length:]

	return Record{Type: typ, Version: version, Payload: payload}, true, nil
}

// Buffered reports how many unconsumed bytes the codec is holding.
func (c *Codec) Buffered() int { return len(c.buf) }
