// Package test provides a reusable suite for transport.Conn implementations.
package test

import (
	"sync"
	"time"
	"tlstream/transport"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type ConnTestSuite struct {
	suite.Suite
	C1, C2 transport.Conn
	Clock  clock.Clock

	done  chan struct{}
	timer *time.Timer
}

func (s *ConnTestSuite) SetupTest() {
	s.done = make(chan struct{})
	s.Clock = clock.New() // Use real-time timer for now.

	s.timer = time.AfterFunc(time.Second, func() {
		select {
		case <-s.done:
		default:
			s.FailNow("timeout exceeded")
		}
	})
}

func (s *ConnTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.NoError(s.C1.Close())
	s.NoError(s.C2.Close())
	close(s.done)
	s.timer.Stop()
}

func (s *ConnTestSuite) TestReadWrite() {
	data := []byte("Hello, World!")

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := s.C1.Write(data)
		s.Require().NoError(err)
		s.Equal(len(data), n)
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, len(data))
		total := 0
		for total < len(data) {
			n, err := s.C2.Read(buf[total:])
			s.Require().NoError(err)
			total += n
		}
		s.Equal(data, buf)
	}()
}

func (s *ConnTestSuite) TestPartialRead() {
	data := []byte("partial completion is not an error")

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)

	go func() {
		defer wg.Done()
		_, err := s.C1.Write(data)
		s.Require().NoError(err)
	}()

	// Read one byte at a time; the stream must arrive intact.
	got := make([]byte, 0, len(data))
	one := make([]byte, 1)
	for len(got) < len(data) {
		n, err := s.C2.Read(one)
		s.Require().NoError(err)
		got = append(got, one[:n]...)
	}
	s.Equal(data, got)
}

func (s *ConnTestSuite) TestCloseUnblocksRead() {
	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)

	go func() {
		defer wg.Done()
		buf := make([]byte, 1)
		_, err := s.C2.Read(buf)
		s.ErrorIs(err, transport.ErrConnClosed)
	}()

	time.Sleep(10 * time.Millisecond)
	s.NoError(s.C1.Close())
}

func (s *ConnTestSuite) TestReadDeadLine() {
	s.C2.SetReadDeadLine(s.Clock.Now().Add(20 * time.Millisecond))

	buf := make([]byte, 1)
	_, err := s.C2.Read(buf)
	s.ErrorIs(err, transport.ErrDeadLineExceeded)

	// Resetting the deadline makes the conn usable again.
	s.C2.SetReadDeadLine(time.Time{})

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.C1.Write([]byte("a"))
		s.Require().NoError(err)
	}()

	n, err := s.C2.Read(buf)
	s.Require().NoError(err)
	s.Equal(1, n)
}
