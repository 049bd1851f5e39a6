package netbridge

import (
	"sync"

	"github.com/ehrlich-b/rvhost/internal/wire"
)

type socketState int

const (
	stateNew socketState = iota
	stateOpen
	stateClosed
)

// sendBufferLimit bounds a socket's outbound queue.
const sendBufferLimit = 1 << 20 // 1 MiB

// socket is one guest-visible fd's state. All fields are guarded by mu.
type socket struct {
	fd int32

	mu sync.Mutex
	state socketState
	openWaiters []chan openResult
	readBuf []byte
	eofSeen bool
	sendQueued int // not updated; opSend clips each write to sendBufferLimit directly
	pendingAddr wire.Addr
	peerAddr wire.Addr
	listening bool
	acceptQueue []*socket
}

type openResult struct {
	ok bool
	code int32
}

func newSocket(fd int32) *socket {
	return &socket{fd: fd, state: stateNew}
}

func (s *socket) waitOpen() <-chan openResult {
	ch := make(chan openResult, 1)
	s.mu.Lock()
	s.openWaiters = append(s.openWaiters, ch)
	s.mu.Unlock()
	return ch
}

func (s *socket) resolveOpen(res openResult) {
	s.mu.Lock()
	waiters := s.openWaiters
	s.openWaiters = nil
	if res.ok {
		s.state = stateOpen
	} else {
		s.state = stateClosed
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- res:
		default:
		}
	}
}

// appendData enqueues received bytes into the socket's read queue,
// preserving arrival order.
func (s *socket) appendData(b []byte) {
	s.mu.Lock()
	s.readBuf = append(s.readBuf, b...)
	s.mu.Unlock()
}

func (s *socket) markEOF() {
	s.mu.Lock()
	s.eofSeen = true
	s.mu.Unlock()
}

func (s *socket) markClosed() {
	s.mu.Lock()
	s.state = stateClosed
	s.eofSeen = true
	s.mu.Unlock()
}

// recv drains up to maxLen bytes. Returns (data, wouldBlock).
func (s *socket) recv(maxLen int32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.readBuf) == 0 {
		if s.eofSeen {
			return nil, false
		}
		return nil, true
	}
	n := int(maxLen)
	if n > len(s.readBuf) {
		n = len(s.readBuf)
	}
	out := s.readBuf[:n]
	s.readBuf = s.readBuf[n:]
	return out, false
}

func (s *socket) hasData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readBuf) > 0 || s.eofSeen
}

func (s *socket) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateOpen
}

func (s *socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}
