// Package rpcshm implements the shared-memory RPC fabric: a control
// channel (stdin request/ready, VFS export, exit, plus the embedded
// stdout ring) and a network channel (the full socket operation
// request/response set). Both channels are backed by a real
// mmap'd anonymous region via golang.org/x/sys/unix, with header words
// aliased as *int32 for atomic access — Go cannot portably take an
// atomic pointer into an arbitrary byte slice, so each header field is
// addressed at a fixed, word-aligned byte offset into the mapping
// (mmap'd pages are always suitably aligned).
//
// The bounded-wait/poll idiom used by both channels' request/response
// handshakes mirrors a reconnect-with-backoff retry loop generalized
// from network I/O to a shared-memory handshake.
package rpcshm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pollInterval = 1 // milliseconds, matches "poll every ~1ms"
	waitDeadline = 100 // milliseconds, matches 100ms bounded-wait deadline

	// NetworkPayload is the fixed data-region size for the network
	// buffer.
	NetworkPayload = 65472
	// StdinPayload is the control buffer's stdin payload region size.
	// 64KiB is large enough for any single stdin fill.
	StdinPayload = 65536
)

// mmapAnon allocates an anonymous, shared mapping of size bytes. Shared
// (not private) so that, in a real multi-process deployment, the worker
// and main contexts could map the same fd-backed region; in this
// single-process Go host both sides are goroutines referencing the same
// slice, but the mapping is still real shared memory, not a heap slice,
// matching the shared linear memory model a real multi-process worker
// would need.
func mmapAnon(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func munmap(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

// wordPtr returns an *int32 aliasing the 4 bytes at byteOffset in mem.
// Callers must only use sync/atomic operations on the result — plain
// reads/writes would race with the other side of the channel.
func wordPtr(mem []byte, byteOffset int) *int32 {
	return (*int32)(unsafe.Pointer(&mem[byteOffset]))
}
