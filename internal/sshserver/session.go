package sshserver

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// maxRecvLen is the buffer size used by the default reader, matching the
// original's Recv(0xFFFFFF) call.
const maxRecvLen = 0xFFFFFF

// ServerSession wraps one accepted "session" channel plus a dedicated
// reader goroutine that continuously drains it. ReaderReadData,
// ReaderHandleData, and ReaderExits are function fields rather than methods
// so a caller can override behavior per session the way the original
// overrides them via subclassing (e.g. a subsystem handler that parses
// framed messages instead of discarding raw bytes).
type ServerSession struct {
	ch ssh.Channel

	ReaderReadData   func(s *ServerSession) ([]byte, error)
	ReaderHandleData func(s *ServerSession, data []byte)
	ReaderExits      func(s *ServerSession)

	mu          sync.Mutex
	closed      bool
	keepRunning bool
}

func newServerSession(ch ssh.Channel) *ServerSession {
	s := &ServerSession{ch: ch, keepRunning: true}
	s.ReaderReadData = (*ServerSession).defaultReaderReadData
	s.ReaderHandleData = func(*ServerSession, []byte) {}
	s.ReaderExits = func(*ServerSession) {}
	return s
}

func (s *ServerSession) defaultReaderReadData() ([]byte, error) {
	return s.Recv(maxRecvLen)
}

// Send writes data to the channel.
func (s *ServerSession) Send(data []byte) (int, error) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch.Write(data)
}

// Recv reads up to maxLen bytes from the channel. It returns (nil, nil) on
// a clean remote close, and also without reading once the session has been
// told to stop, so the reader loop can distinguish "stop reading" from
// "something went wrong".
func (s *ServerSession) Recv(maxLen int) ([]byte, error) {
	s.mu.Lock()
	if !s.keepRunning {
		s.mu.Unlock()
		return nil, nil
	}
	ch := s.ch
	s.mu.Unlock()

	buf := make([]byte, maxLen)
	n, err := ch.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// IsActive reports whether the session's channel is still open.
func (s *ServerSession) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close stops the reader goroutine and closes the channel; a blocked Recv
// is unblocked by the channel close, not by this call directly. A second
// Close is a no-op.
func (s *ServerSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.keepRunning = false
	ch := s.ch
	s.mu.Unlock()

	return ch.Close()
}

// readLoop is the reader goroutine body: read, dispatch, repeat, until a
// zero-length read (remote closed), a net.Error (transport gone), or any
// other error while still running (logged, then the session is closed).
func (s *ServerSession) readLoop() {
	defer s.ReaderExits(s)

	for {
		s.mu.Lock()
		keep := s.keepRunning
		s.mu.Unlock()
		if !keep {
			return
		}

		data, err := s.ReaderReadData(s)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) {
				log.Printf("sshserver: session reader network error: %v", err)
				return
			}

			s.mu.Lock()
			keep = s.keepRunning
			s.mu.Unlock()
			if keep {
				log.Printf("sshserver: session reader error: %v", err)
				_ = s.Close()
			}
			return
		}

		if len(data) == 0 {
			s.mu.Lock()
			s.keepRunning = false
			s.mu.Unlock()
			return
		}

		s.ReaderHandleData(s, data)
	}
}
