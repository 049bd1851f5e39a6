// Package netbridge translates the guest's synchronous Berkeley-socket
// calls into datagrams exchanged with a remote proxy over a single
// outbound WebSocket session. Reconnection, backoff, and the
// read-loop-plus-dispatch shape follow a Run/connectAndServe split: one
// outer loop owns reconnection, one inner loop owns the live session's
// read/dispatch cycle.
package netbridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/rvhost/internal/herr"
	"github.com/ehrlich-b/rvhost/internal/rpcshm"
	"github.com/ehrlich-b/rvhost/internal/wire"
)

const (
	connectDeadline = 30 * time.Second
	reconnectBase = 100 * time.Millisecond
	reconnectMax = 10 * time.Second
	congestionRateHz = 8 << 20 // 8 MiB/s simulated outbound throughput ceiling
)

// Bridge owns the single multiplexed session and every guest-visible
// socket riding on it.
type Bridge struct {
	proxyURL string
	log *slog.Logger

	mu sync.Mutex
	conn *websocket.Conn
	sockets map[int32]*socket

	limiter *rate.Limiter

	nextListenerFD int32
}

// New constructs a Bridge without dialing. The session to the
// configured proxy URL is opened by Run as soon as Run is called, not on
// first socket use; socket operations that need the session fail with
// ECONNRESET until it is up.
func New(proxyURL string, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		proxyURL: proxyURL,
		log: log,
		sockets: make(map[int32]*socket),
		limiter: rate.NewLimiter(rate.Limit(congestionRateHz), sendBufferLimit),
	}
}

// Run maintains the proxy session for the bridge's lifetime, reconnecting
// with exponential backoff on loss. It blocks until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	bo := newBackoff(reconnectBase, reconnectMax)
	for {
		err := b.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.failAllOpenSockets()
		delay := bo.next()
		b.log.Warn("netbridge session lost, reconnecting", "error", herr.NewTransportError(err), "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (b *Bridge) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, b.proxyURL, nil)
	if err != nil {
		return fmt.Errorf("dial proxy: %w", err)
	}
	defer conn.CloseNow()

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f, err := wire.Decode(data)
		if err != nil {
			b.log.Warn("netbridge dropping malformed frame", "error", err)
			continue
		}
		b.handleInbound(f)
	}
}

func (b *Bridge) handleInbound(f wire.Frame) {
	if f.Kind == wire.KindOpen {
		b.handleInboundOpen(f)
		return
	}

	b.mu.Lock()
	s := b.sockets[f.FD]
	b.mu.Unlock()
	if s == nil {
		return
	}

	switch f.Kind {
	case wire.KindOpenOK:
		s.resolveOpen(openResult{ok: true})
	case wire.KindOpenErr:
		code := int32(-1)
		if len(f.Payload) >= 4 {
			code = int32(binary.BigEndian.Uint32(f.Payload))
		}
		s.resolveOpen(openResult{ok: false, code: code})
	case wire.KindData:
		s.appendData(f.Payload)
	case wire.KindEOF:
		s.markEOF()
	case wire.KindClose, wire.KindErr:
		s.markClosed()
	}
}

// handleInboundOpen services a proxy-originated OPEN frame: the
// listener identified by f.FD accepts a new peer connection rather
// than resolving an outstanding worker-initiated connect, so it
// bypasses the resolveOpen/appendData dispatch in handleInbound.
func (b *Bridge) handleInboundOpen(f wire.Frame) {
	addr, err := wire.DecodeAddr(f.Payload)
	if err != nil {
		b.log.Warn("netbridge dropping malformed OPEN frame", "error", err)
		return
	}
	if _, ok := b.AcceptIncoming(f.FD, addr); !ok {
		b.log.Warn("netbridge OPEN frame targets unknown or non-listening socket", "fd", f.FD)
	}
}

func (b *Bridge) failAllOpenSockets() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sockets {
		if s.isOpen() {
			s.markClosed()
		}
	}
}

func (b *Bridge) sendFrame(f wire.Frame) error {
	buf, err := wire.Encode(f)
	if err != nil {
		return err
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("netbridge: session not established")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, buf)
}

func (b *Bridge) socketFor(fd int32) *socket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sockets[fd]
}

// Dispatch implements rpcshm.Handler: it services one network-channel
// Request and returns the Response to post back to the worker.
func (b *Bridge) Dispatch(req rpcshm.Request) rpcshm.Response {
	switch req.Op {
	case rpcshm.OpCreate:
		return b.opCreate(req)
	case rpcshm.OpConnect:
		return b.opConnect(req)
	case rpcshm.OpSend:
		return b.opSend(req)
	case rpcshm.OpRecv:
		return b.opRecv(req)
	case rpcshm.OpHasData:
		return b.opHasData(req)
	case rpcshm.OpClose:
		return b.opClose(req)
	case rpcshm.OpShutdown:
		return b.opShutdown(req)
	case rpcshm.OpBind:
		return b.opBind(req)
	case rpcshm.OpListen:
		return b.opListen(req)
	case rpcshm.OpAccept:
		return b.opAccept(req)
	case rpcshm.OpHasPendingAccept:
		return b.opHasPendingAccept(req)
	default:
		return rpcshm.Response{Result: rpcshm.ENOSYS}
	}
}

func (b *Bridge) opCreate(req rpcshm.Request) rpcshm.Response {
	b.mu.Lock()
	b.sockets[req.FD] = newSocket(req.FD)
	b.mu.Unlock()
	return rpcshm.Response{Result: 0}
}

// opConnect sends OPEN and blocks up to a 30s deadline for OPEN_OK or
// OPEN_ERR.
func (b *Bridge) opConnect(req rpcshm.Request) rpcshm.Response {
	s := b.socketFor(req.FD)
	if s == nil {
		return rpcshm.Response{Result: rpcshm.EPROTO}
	}
	addr, err := wire.DecodeAddr(req.Data)
	if err != nil {
		return rpcshm.Response{Result: rpcshm.EPROTO}
	}

	waiter := s.waitOpen()
	payload, err := wire.EncodeAddr(addr)
	if err != nil {
		return rpcshm.Response{Result: rpcshm.EPROTO}
	}
	if err := b.sendFrame(wire.Frame{Kind: wire.KindOpen, FD: req.FD, Payload: payload}); err != nil {
		b.log.Warn("netbridge connect failed", "error", herr.NewSocketError(req.FD, err))
		return rpcshm.Response{Result: rpcshm.ECONNRESET}
	}

	select {
	case res := <-waiter:
		if res.ok {
			return rpcshm.Response{Result: 0}
		}
		if res.code == 0 {
			res.code = rpcshm.EGeneric
		}
		return rpcshm.Response{Result: res.code}
	case <-time.After(connectDeadline):
		b.log.Warn("netbridge connect failed", "error", herr.NewSocketError(req.FD, errors.New("connect deadline exceeded")))
		return rpcshm.Response{Result: rpcshm.ECONNRESET}
	}
}

// opSend enqueues DATA, honoring the 1 MiB sendBuffer bound and the
// congestion limiter that stands in for WebTransport reporting a full
// outbound buffer.
func (b *Bridge) opSend(req rpcshm.Request) rpcshm.Response {
	s := b.socketFor(req.FD)
	if s == nil || !s.isOpen() {
		return rpcshm.Response{Result: rpcshm.ECONNRESET}
	}

	n := len(req.Data)
	if n > sendBufferLimit {
		n = sendBufferLimit
	}
	if !b.limiter.AllowN(time.Now(), n) {
		// Congested: accept nothing this round, guest retries.
		return rpcshm.Response{Result: rpcshm.ENOBUFS}
	}

	if err := b.sendFrame(wire.Frame{Kind: wire.KindData, FD: req.FD, Payload: req.Data[:n]}); err != nil {
		b.log.Warn("netbridge send failed", "error", herr.NewSocketError(req.FD, err))
		s.markClosed()
		return rpcshm.Response{Result: rpcshm.ECONNRESET}
	}
	result := make([]byte, 4)
	binary.BigEndian.PutUint32(result, uint32(n))
	return rpcshm.Response{Result: int32(n), Data: result}
}

func (b *Bridge) opRecv(req rpcshm.Request) rpcshm.Response {
	s := b.socketFor(req.FD)
	if s == nil {
		return rpcshm.Response{Result: rpcshm.EPROTO}
	}
	data, wouldBlock := s.recv(req.Arg1)
	if wouldBlock {
		return rpcshm.Response{Result: rpcshm.EAGAIN}
	}
	return rpcshm.Response{Result: int32(len(data)), Data: data}
}

func (b *Bridge) opHasData(req rpcshm.Request) rpcshm.Response {
	s := b.socketFor(req.FD)
	if s == nil {
		return rpcshm.Response{Result: 0}
	}
	if s.hasData() {
		return rpcshm.Response{Result: 1}
	}
	return rpcshm.Response{Result: 0}
}

func (b *Bridge) opClose(req rpcshm.Request) rpcshm.Response {
	s := b.socketFor(req.FD)
	if s != nil {
		s.markClosed()
		_ = b.sendFrame(wire.Frame{Kind: wire.KindClose, FD: req.FD})
	}
	b.mu.Lock()
	delete(b.sockets, req.FD)
	b.mu.Unlock()
	return rpcshm.Response{Result: 0}
}

func (b *Bridge) opShutdown(req rpcshm.Request) rpcshm.Response {
	s := b.socketFor(req.FD)
	if s == nil {
		return rpcshm.Response{Result: rpcshm.EPROTO}
	}
	direction := make([]byte, 4)
	binary.BigEndian.PutUint32(direction, uint32(req.Arg1))
	if err := b.sendFrame(wire.Frame{Kind: wire.KindEOF, FD: req.FD, Payload: direction}); err != nil {
		b.log.Warn("netbridge shutdown failed", "error", herr.NewSocketError(req.FD, err))
		return rpcshm.Response{Result: rpcshm.ECONNRESET}
	}
	return rpcshm.Response{Result: 0}
}

func (b *Bridge) opBind(req rpcshm.Request) rpcshm.Response {
	s := b.socketFor(req.FD)
	if s == nil {
		return rpcshm.Response{Result: rpcshm.EPROTO}
	}
	addr, err := wire.DecodeAddr(req.Data)
	if err != nil {
		return rpcshm.Response{Result: rpcshm.EPROTO}
	}
	s.mu.Lock()
	s.pendingAddr = addr
	s.mu.Unlock()
	return rpcshm.Response{Result: 0}
}

func (b *Bridge) opListen(req rpcshm.Request) rpcshm.Response {
	s := b.socketFor(req.FD)
	if s == nil {
		return rpcshm.Response{Result: rpcshm.EPROTO}
	}
	s.mu.Lock()
	s.listening = true
	s.state = stateOpen
	s.mu.Unlock()
	return rpcshm.Response{Result: 0}
}

// opAccept models server-accept as a proxy-originated OPEN frame
// delivered on the listening fd's stream. handleInboundOpen routes such
// frames to AcceptIncoming below, which pushes onto the listener's
// acceptQueue for opAccept to drain here.
func (b *Bridge) opAccept(req rpcshm.Request) rpcshm.Response {
	s := b.socketFor(req.FD)
	if s == nil || !s.listening {
		return rpcshm.Response{Result: rpcshm.EPROTO}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acceptQueue) == 0 {
		return rpcshm.Response{Result: rpcshm.EAGAIN}
	}
	peer := s.acceptQueue[0]
	s.acceptQueue = s.acceptQueue[1:]

	addrBytes, err := wire.EncodeAddr(peer.peerAddr)
	if err != nil {
		return rpcshm.Response{Result: rpcshm.EGeneric}
	}
	out := make([]byte, 4+len(addrBytes))
	binary.BigEndian.PutUint32(out, uint32(peer.fd))
	copy(out[4:], addrBytes)
	return rpcshm.Response{Result: peer.fd, Data: out}
}

func (b *Bridge) opHasPendingAccept(req rpcshm.Request) rpcshm.Response {
	s := b.socketFor(req.FD)
	if s == nil {
		return rpcshm.Response{Result: 0}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acceptQueue) > 0 {
		return rpcshm.Response{Result: 1}
	}
	return rpcshm.Response{Result: 0}
}

// AcceptIncoming registers a proxy-originated connection on a listening
// fd, allocating a fresh guest fd for it. Called by the session read
// loop when an OPEN frame targets a listener instead of a
// worker-initiated socket.
func (b *Bridge) AcceptIncoming(listenFD int32, peer wire.Addr) (newFD int32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	listener, exists := b.sockets[listenFD]
	if !exists || !listener.listening {
		return 0, false
	}
	b.nextListenerFD--
	fd := b.nextListenerFD
	peerSocket := &socket{fd: fd, state: stateOpen, peerAddr: peer}
	b.sockets[fd] = peerSocket
	listener.mu.Lock()
	listener.acceptQueue = append(listener.acceptQueue, peerSocket)
	listener.mu.Unlock()
	return fd, true
}
