package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type CodecTestSuite struct {
	suite.Suite

	records []Record
	wire    []byte
}

func TestCodecTestSuite(t *testing.T) {
	suite.Run(t, new(CodecTestSuite))
}

func (s *CodecTestSuite) SetupTest() {
	s.records = []Record{
		{Type: TypeHandshake, Version: VersionTLS10, Payload: []byte{1, 0, 0, 2, 3, 3}},
		{Type: TypeChangeCipherSpec, Version: VersionTLS12, Payload: []byte{1}},
		{Type: TypeApplicationData, Version: VersionTLS12, Payload: []byte("hello records")},
		{Type: TypeAlert, Version: VersionTLS12, Payload: []byte{1, 0}},
	}

	s.wire = nil
	for _, rec := range s.records {
		s.wire = append(s.wire, rec.Bytes()...)
	}
}

func (s *CodecTestSuite) drain(c *Codec) []Record {
	var got []Record
	for {
		rec, ok, err := c.TryTake()
		s.Require().NoError(err)
		if !ok {
			return got
		}
		got = append(got, rec)
	}
}

func (s *CodecTestSuite) TestSingleFeed() {
	c := &Codec{}
	c.Feed(s.wire)

	s.Equal(s.records, s.drain(c))
	s.Equal(0, c.Buffered())
}

// Splitting the stream at every possible byte offset must not change the
// extracted record sequence.
func (s *CodecTestSuite) TestSplitInvariance() {
	for split := 0; split <= len(s.wire); split++ {
		c := &Codec{}

		c.Feed(s.wire[:split])
		got := s.drain(c)

		c.Feed(s.wire[split:])
		got = append(got, s.drain(c)...)

		s.Require().Equal(s.records, got, "split at %d", split)
		s.Require().Equal(0, c.Buffered())
	}
}

func (s *CodecTestSuite) TestByteAtATime() {
	c := &Codec{}

	var got []Record
	for _, b := range s.wire {
		c.Feed([]byte{b})
		got = append(got, s.drain(c)...)
	}

	s.Equal(s.records, got)
}

func (s *CodecTestSuite) TestPartialRemainderRetained() {
	c := &Codec{}

	whole := s.records[0].Bytes()
	c.Feed(whole[:3])

	_, ok, err := c.TryTake()
	s.Require().NoError(err)
	s.False(ok)
	s.Equal(3, c.Buffered())

	c.Feed(whole[3:])
	rec, ok, err := c.TryTake()
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(s.records[0], rec)
}

func TestCodecRejectsUnknownContentType(t *testing.T) {
	c := &Codec{}
	c.Feed([]byte{0x42, 0x03, 0x03, 0x00, 0x01, 0x00})

	_, _, err := c.TryTake()
	require.ErrorIs(t, err, ErrUnknownContentType)
}

func TestCodecRejectsBadVersion(t *testing.T) {
	c := &Codec{}
	c.Feed([]byte{0x16, 0x07, 0x01, 0x00, 0x01, 0x00})

	_, _, err := c.TryTake()
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestCodecRejectsOversizedRecord(t *testing.T) {
	c := &Codec{}
	// Declared length 0xffff exceeds the protection-overhead limit.
	c.Feed([]byte{0x17, 0x03, 0x03, 0xff, 0xff})

	_, _, err := c.TryTake()
	require.ErrorIs(t, err, ErrPayloadTooLong)
}

// A maximal CBC-era record (2^14 plaintext + 2048 expansion) is legal; one
// byte past it is not.
func TestCodecPayloadLengthBound(t *testing.T) {
	header := func(length int) []byte {
		return []byte{0x17, 0x03, 0x03, byte(length >> 8), byte(length)}
	}

	c := &Codec{}
	c.Feed(header(MaxPayloadLen))
	_, ok, err := c.TryTake()
	require.NoError(t, err)
	require.False(t, ok) // waiting on the payload, not rejected

	c = &Codec{}
	c.Feed(header(MaxPayloadLen + 1))
	_, _, err = c.TryTake()
	require.ErrorIs(t, err, ErrPayloadTooLong)
}

func TestParseHandshakeHeader(t *testing.T) {
	payload := []byte{0x01, 0x00, 0x01, 0x20, 0x03, 0x03}

	typ, length, err := ParseHandshakeHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeClientHello, typ)
	assert.Equal(t, 0x120, length)

	_, _, err = ParseHandshakeHeader([]byte{0x01, 0x00})
	assert.Error(t, err)
}
