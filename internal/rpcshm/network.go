package rpcshm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/rvhost/internal/herr"
)

// LockState is the network buffer's LOCK word.
type LockState int32

const (
	LockFree LockState = 0
	LockRequest LockState = 1
	LockResponse LockState = 2
)

// NetOp enumerates the socket operations carried over the network
// channel.
type NetOp int32

const (
	OpCreate NetOp = iota
	OpConnect
	OpBind
	OpListen
	OpAccept
	OpSend
	OpRecv
	OpClose
	OpHasData
	OpHasPendingAccept
	OpShutdown
)

// ENOSYS/ENOBUFS/etc are modeled as negative errno-style ints. The
// exact numeric values follow Linux errno numbering so a guest can
// interpret them directly.
const (
	ENOSYS int32 = -38
	EPROTO int32 = -71
	EAGAIN int32 = -11
	ENOBUFS int32 = -105
	ECONNRESET int32 = -104
	EGeneric int32 = -1
)

const (
	offLock = 0
	offOp = 4
	offFD = 8
	offArg1 = 12
	offArg2 = 16
	offResult = 20
	offDataLen = 24
	offNetData = 28

	networkBufferTotalLen = offNetData + NetworkPayload
)

// NetworkBuffer is the mmap'd network channel.
type NetworkBuffer struct {
	mem []byte
	lock *int32
	op *int32
	fd *int32
	arg1 *int32
	arg2 *int32
	result *int32
	dataLen *int32
	data []byte
}

// NewNetworkBuffer allocates a fresh mmap'd network buffer.
func NewNetworkBuffer() (*NetworkBuffer, error) {
	mem, err := mmapAnon(networkBufferTotalLen)
	if err != nil {
		return nil, err
	}
	return &NetworkBuffer{
		mem: mem,
		lock: wordPtr(mem, offLock),
		op: wordPtr(mem, offOp),
		fd: wordPtr(mem, offFD),
		arg1: wordPtr(mem, offArg1),
		arg2: wordPtr(mem, offArg2),
		result: wordPtr(mem, offResult),
		dataLen: wordPtr(mem, offDataLen),
		data: mem[offNetData:networkBufferTotalLen],
	}, nil
}

// Close unmaps the backing memory.
func (n *NetworkBuffer) Close() error {
	return munmap(n.mem)
}

// Request is one network-channel call from the worker.
type Request struct {
	Op NetOp
	FD int32
	Arg1, Arg2 int32
	Data []byte
}

// Response is the main context's reply to a Request.
type Response struct {
	Result int32
	Data []byte
}

// Call is the worker-side entry point: it posts req, sets LOCK=REQUEST,
// and bounded-waits for LOCK=RESPONSE. At most one request may be
// in-flight per channel — the worker is single-threaded, so a
// concurrent Call while one is outstanding would itself be a bug in the
// caller, not something this type needs to guard against beyond the
// state check below.
func (n *NetworkBuffer) Call(ctx context.Context, req Request) (Response, error) {
	if LockState(atomic.LoadInt32(n.lock)) != LockFree {
		return Response{}, herr.NewRPCProtocolError("network", atomic.LoadInt32(n.lock), fmt.Errorf("channel busy, at-most-one-in-flight violated"))
	}

	atomic.StoreInt32(n.op, int32(req.Op))
	atomic.StoreInt32(n.fd, req.FD)
	atomic.StoreInt32(n.arg1, req.Arg1)
	atomic.StoreInt32(n.arg2, req.Arg2)
	dl := int32(len(req.Data))
	if dl > int32(len(n.data)) {
		dl = int32(len(n.data))
	}
	copy(n.data, req.Data[:dl])
	atomic.StoreInt32(n.dataLen, dl)
	atomic.StoreInt32(n.lock, int32(LockRequest))

	ticker := time.NewTicker(pollInterval * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-ticker.C:
		}
		if LockState(atomic.LoadInt32(n.lock)) == LockResponse {
			result := atomic.LoadInt32(n.result)
			rl := atomic.LoadInt32(n.dataLen)
			data := make([]byte, rl)
			copy(data, n.data[:rl])
			atomic.StoreInt32(n.lock, int32(LockFree))
			return Response{Result: result, Data: data}, nil
		}
	}
}

// Handler services one Request on the main context, returning the
// Response to post back.
type Handler func(Request) Response

// Poll is called every ~1ms by the main/drain loop. It
// returns false if no request is pending. A panicking handler is
// recovered and reported as RESULT=-1; the lock is still released so the
// worker isn't left stuck waiting on a response that will never arrive.
func (n *NetworkBuffer) Poll(handle Handler) (handled bool) {
	if LockState(atomic.LoadInt32(n.lock)) != LockRequest {
		return false
	}

	req := Request{
		Op: NetOp(atomic.LoadInt32(n.op)),
		FD: atomic.LoadInt32(n.fd),
		Arg1: atomic.LoadInt32(n.arg1),
		Arg2: atomic.LoadInt32(n.arg2),
	}
	dl := atomic.LoadInt32(n.dataLen)
	req.Data = make([]byte, dl)
	copy(req.Data, n.data[:dl])

	resp := n.safeInvoke(handle, req)

	rl := int32(len(resp.Data))
	if rl > int32(len(n.data)) {
		rl = int32(len(n.data))
	}
	copy(n.data, resp.Data[:rl])
	atomic.StoreInt32(n.dataLen, rl)
	atomic.StoreInt32(n.result, resp.Result)
	atomic.StoreInt32(n.lock, int32(LockResponse))
	return true
}

func (n *NetworkBuffer) safeInvoke(handle Handler, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Result: EGeneric}
		}
	}()
	return handle(req)
}
