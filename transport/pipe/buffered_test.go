package pipe

import (
	"testing"
	"tlstream/transport/test"

	"github.com/stretchr/testify/suite"
)

type BufferedPipeTestSuite struct {
	test.ConnTestSuite
}

func TestBufferedPipeTestSuite(t *testing.T) {
	suite.Run(t, new(BufferedPipeTestSuite))
}

func (s *BufferedPipeTestSuite) SetupTest() {
	s.ConnTestSuite.SetupTest()
	s.C1, s.C2 = BufferedPipe("A", "B", s.Clock, 20)
}

// A buffered pipe must accept writes up to its capacity without a
// concurrent reader.
func (s *BufferedPipeTestSuite) TestWriteWithoutReader() {
	n, err := s.C1.Write([]byte("12345678901234567890"))
	s.Require().NoError(err)
	s.Equal(20, n)

	buf := make([]byte, 20)
	n, err = s.C2.Read(buf)
	s.Require().NoError(err)
	s.Equal(20, n)
}
