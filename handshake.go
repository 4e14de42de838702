package tlstream

import (
	iolib "tlstream/lib/io"
	"tlstream/record"
	"tlstream/secctx"
	"tlstream/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// negotiate drives the security context to completion: step, flush the
// produced tokens, pull the next record, repeat. Assumes both direction
// locks are held.
func (s *Stream) negotiate() error {
	var input []byte
	for {
		res, err := s.sctx.Step(input)
		if err != nil {
			if len(res.Output) > 0 {
				// Flush the closing alert so the peer learns why.
				_, _ = iolib.WriteFull(s.underlying, res.Output)
			}
			return mapEngineError(err)
		}

		if len(res.Output) > 0 {
			s.logger.Debug("sending handshake tokens", zap.Int("bytes", len(res.Output)))
			if _, err := iolib.WriteFull(s.underlying, res.Output); err != nil {
				return errors.Wrap(err, "writing handshake tokens")
			}
		}

		if res.Status == secctx.StatusComplete {
			return nil
		}

		rec, err := s.nextNegotiationRecord()
		if err != nil {
			return err
		}
		input = rec.Bytes()
	}
}

// nextNegotiationRecord reads one record during the handshake and enforces
// the phase gate: application data is not acceptable until the peer has
// shown at least one handshake record. (After that point encrypted
// handshake flights legitimately arrive as application data.)
func (s *Stream) nextNegotiationRecord() (record.Record, error) {
	rec, err := s.nextRecord()
	if err != nil {
		if errors.Is(err, transport.ErrConnClosed) {
			return record.Record{}, errors.Wrapf(ErrPrematureClose, "%v", err)
		}
		return record.Record{}, err
	}

	s.logger.Debug("received handshake record",
		zap.Stringer("type", rec.Type), zap.Int("payload", len(rec.Payload)))

	switch rec.Type {
	case record.TypeHandshake:
		s.sawPeerHandshake = true
	case record.TypeApplicationData:
		if !s.sawPeerHandshake {
			return record.Record{}, errors.Wrap(ErrIllegalMessage,
				"application data before any handshake message")
		}
	}
	return rec, nil
}
