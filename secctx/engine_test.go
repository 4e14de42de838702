package secctx

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"testing"
	"tlstream/internal/testcert"
	"tlstream/record"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type EngineTestSuite struct {
	suite.Suite

	serverCreds *Credentials
	clientCreds *Credentials

	client, server Context
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	certPEM, keyPEM, err := testcert.SelfSigned("localhost", []string{"localhost"})
	s.Require().NoError(err)

	chain, err := tls.X509KeyPair(certPEM, keyPEM)
	s.Require().NoError(err)

	s.serverCreds = &Credentials{Chains: []tls.Certificate{chain}}
	s.clientCreds = &Credentials{ServerName: "localhost"}

	s.client, err = New(RoleClient, s.clientCreds)
	s.Require().NoError(err)
	s.server, err = New(RoleServer, s.serverCreds)
	s.Require().NoError(err)
}

func (s *EngineTestSuite) TearDownTest() {
	s.NoError(s.client.Close())
	s.NoError(s.server.Close())
	goleak.VerifyNone(s.T())
}

// negotiate shuttles tokens between both contexts until completion and
// returns tokens produced for the client after the server finished
// (e.g. session tickets).
func (s *EngineTestSuite) negotiate() (leftoverToClient []byte) {
	var toServer, toClient []byte
	var clientDone, serverDone bool

	res, err := s.client.Step(nil)
	s.Require().NoError(err)
	toServer = res.Output
	clientDone = res.Status == StatusComplete

	res, err = s.server.Step(nil)
	s.Require().NoError(err)
	toClient = append(toClient, res.Output...)
	serverDone = res.Status == StatusComplete

	for !clientDone || !serverDone {
		progressed := false

		if !serverDone && len(toServer) > 0 {
			res, err := s.server.Step(toServer)
			s.Require().NoError(err)
			toServer = nil
			toClient = append(toClient, res.Output...)
			serverDone = res.Status == StatusComplete
			progressed = true
		}

		if !clientDone && len(toClient) > 0 {
			res, err := s.client.Step(toClient)
			s.Require().NoError(err)
			toClient = nil
			toServer = append(toServer, res.Output...)
			clientDone = res.Status == StatusComplete
			progressed = true
		}

		s.Require().True(progressed, "negotiation made no progress")
	}

	s.Require().Empty(toServer, "server left with unconsumed tokens")
	return toClient
}

// decryptAll splits raw into whole records and opens them one by one.
func (s *EngineTestSuite) decryptAll(ctx Context, raw []byte) []byte {
	codec := &record.Codec{}
	codec.Feed(raw)

	var plaintext []byte
	for {
		rec, ok, err := codec.TryTake()
		s.Require().NoError(err)
		if !ok {
			break
		}
		pt, err := ctx.Decrypt(rec.Bytes())
		s.Require().NoError(err)
		plaintext = append(plaintext, pt...)
	}
	s.Require().Equal(0, codec.Buffered())
	return plaintext
}

func (s *EngineTestSuite) TestNegotiateAndRoundTrip() {
	leftover := s.negotiate()

	// Session tickets decrypt to no application bytes.
	s.Empty(s.decryptAll(s.client, leftover))

	state := s.client.ConnectionState()
	s.True(state.HandshakeComplete)
	s.NotEmpty(s.client.PeerChain())

	// client -> server
	msg := []byte("a secret worth protecting")
	sealed, err := s.client.Encrypt(msg)
	s.Require().NoError(err)
	s.NotEqual(msg, sealed)
	s.Equal(msg, s.decryptAll(s.server, sealed))

	// server -> client
	reply := []byte("acknowledged")
	sealed, err = s.server.Encrypt(reply)
	s.Require().NoError(err)
	s.Equal(reply, s.decryptAll(s.client, sealed))
}

// Plaintext larger than one record must round-trip via automatic splitting.
func (s *EngineTestSuite) TestRoundTripAcrossRecordBoundaries() {
	s.decryptAll(s.client, s.negotiate())

	big := bytes.Repeat([]byte("0123456789abcdef"), 3*1024) // 48 KiB
	sealed, err := s.client.Encrypt(big)
	s.Require().NoError(err)

	codec := &record.Codec{}
	codec.Feed(sealed)
	records := 0
	var got []byte
	for {
		rec, ok, err := codec.TryTake()
		s.Require().NoError(err)
		if !ok {
			break
		}
		records++
		pt, err := s.server.Decrypt(rec.Bytes())
		s.Require().NoError(err)
		got = append(got, pt...)
	}

	s.Greater(records, 1, "expected the plaintext to split into multiple records")
	s.Equal(big, got)
}

func (s *EngineTestSuite) TestDecryptPartialRecord() {
	s.decryptAll(s.client, s.negotiate())

	msg := []byte("fragmented in transit")
	sealed, err := s.server.Encrypt(msg)
	s.Require().NoError(err)
	s.Require().Greater(len(sealed), 8)

	// Fewer bytes than the record header.
	_, err = s.client.Decrypt(sealed[:3])
	s.Require().ErrorIs(err, ErrIncompleteRecord)

	// Header complete, payload still short of the declared length.
	_, err = s.client.Decrypt(sealed[3:7])
	s.Require().ErrorIs(err, ErrIncompleteRecord)

	// Supplying the remainder completes the record.
	pt, err := s.client.Decrypt(sealed[7:])
	s.Require().NoError(err)
	s.Equal(msg, pt)
}

// A feed carrying whole records plus the start of the next one must open the
// whole ones and retain the partial.
func (s *EngineTestSuite) TestDecryptWholeRecordsWithRemainder() {
	s.decryptAll(s.client, s.negotiate())

	first := []byte("first message")
	second := []byte("second message")

	sealed1, err := s.server.Encrypt(first)
	s.Require().NoError(err)
	sealed2, err := s.server.Encrypt(second)
	s.Require().NoError(err)

	batch := append(append([]byte(nil), sealed1...), sealed2[:4]...)
	pt, err := s.client.Decrypt(batch)
	s.Require().NoError(err)
	s.Equal(first, pt)

	pt, err = s.client.Decrypt(sealed2[4:])
	s.Require().NoError(err)
	s.Equal(second, pt)
}

func (s *EngineTestSuite) TestCloseNotify() {
	s.decryptAll(s.client, s.negotiate())

	token, err := s.client.SendClose()
	s.Require().NoError(err)
	s.NotEmpty(token)

	codec := &record.Codec{}
	codec.Feed(token)
	rec, ok, err := codec.TryTake()
	s.Require().NoError(err)
	s.Require().True(ok)

	_, err = s.server.Decrypt(rec.Bytes())
	s.ErrorIs(err, ErrClosedByPeer)
}

func (s *EngineTestSuite) TestVerifyPeerRejection() {
	rejection := errors.New("peer not welcome here")

	var seen []*x509.Certificate
	s.clientCreds.VerifyPeer = func(chain []*x509.Certificate) error {
		seen = chain
		return rejection
	}

	client, err := New(RoleClient, s.clientCreds)
	s.Require().NoError(err)
	defer client.Close()

	res, err := client.Step(nil)
	s.Require().NoError(err)
	s.Require().Equal(StatusNeedInput, res.Status)

	sres, err := s.server.Step(nil)
	s.Require().NoError(err)
	s.Require().Empty(sres.Output)

	sres, err = s.server.Step(res.Output)
	s.Require().NoError(err)

	_, err = client.Step(sres.Output)
	s.Require().Error(err)
	s.ErrorIs(err, rejection)
	s.NotEmpty(seen)
	s.NotEmpty(client.PeerChain())
}

func (s *EngineTestSuite) TestOperationsBeforeEstablished() {
	_, err := s.client.Encrypt([]byte("too early"))
	s.ErrorIs(err, ErrNotEstablished)

	_, err = s.client.Decrypt([]byte{0x17, 0x03, 0x03, 0x00, 0x01, 0x00})
	s.ErrorIs(err, ErrNotEstablished)

	_, err = s.client.SendClose()
	s.ErrorIs(err, ErrNotEstablished)
}

func (s *EngineTestSuite) TestStepAfterComplete() {
	s.negotiate()

	_, err := s.client.Step(nil)
	s.ErrorIs(err, ErrAlreadyComplete)
}

func (s *EngineTestSuite) TestCloseAbortsNegotiation() {
	res, err := s.client.Step(nil)
	s.Require().NoError(err)
	s.Require().Equal(StatusNeedInput, res.Status)

	s.Require().NoError(s.client.Close())

	_, err = s.client.Step([]byte("late token"))
	s.ErrorIs(err, ErrContextClosed)
}

func TestNewUnknownRole(t *testing.T) {
	_, err := New(Role(42), nil)
	require.Error(t, err)
}
