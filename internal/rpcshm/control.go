package rpcshm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/rvhost/internal/ring"
)

// Command is the control buffer's COMMAND word.
type Command int32

const (
	CmdIdle Command = 0
	CmdStdinRequest Command = 2
	CmdStdinReady Command = 3
	CmdExit Command = 4
	CmdExportVFS Command = 8
)

// Control buffer byte layout: six header words, then the stdout ring's
// two header words, then its 65528-byte data area, then the stdin
// payload region.
const (
	offCommand = 0
	offLength = 4
	offExitCode = 8
	offCols = 12
	offRows = 16
	offPayloadWordIndex = 20
	offStdoutWriteHead = 24
	offStdoutReadTail = 28
	offStdoutData = 32
	offStdinPayload = offStdoutData + ring.Capacity
	controlBufferTotalLen = offStdinPayload + StdinPayload
)

// ControlBuffer is the mmap'd control channel: stdin request/ready, VFS
// export, exit, resize, and the embedded stdout ring.
type ControlBuffer struct {
	mem []byte
	command *int32
	length *int32
	exitCode *int32
	cols *int32
	rows *int32
	payloadWordIndex *int32
	stdout *ring.Ring
	stdinPayload []byte
}

// NewControlBuffer allocates a fresh mmap'd control buffer.
func NewControlBuffer() (*ControlBuffer, error) {
	mem, err := mmapAnon(controlBufferTotalLen)
	if err != nil {
		return nil, err
	}
	return &ControlBuffer{
		mem: mem,
		command: wordPtr(mem, offCommand),
		length: wordPtr(mem, offLength),
		exitCode: wordPtr(mem, offExitCode),
		cols: wordPtr(mem, offCols),
		rows: wordPtr(mem, offRows),
		payloadWordIndex: wordPtr(mem, offPayloadWordIndex),
		stdout: ring.New(mem[offStdoutData:offStdoutData+ring.Capacity], wordPtr(mem, offStdoutWriteHead), wordPtr(mem, offStdoutReadTail)),
		stdinPayload: mem[offStdinPayload:controlBufferTotalLen],
	}, nil
}

// Close unmaps the backing memory.
func (c *ControlBuffer) Close() error {
	return munmap(c.mem)
}

// Stdout returns the embedded stdout ring.
func (c *ControlBuffer) Stdout() *ring.Ring { return c.stdout }

// SetSize updates the COLS/ROWS header words.
func (c *ControlBuffer) SetSize(cols, rows int32) {
	atomic.StoreInt32(c.cols, cols)
	atomic.StoreInt32(c.rows, rows)
}

// Size reads the current COLS/ROWS.
func (c *ControlBuffer) Size() (cols, rows int32) {
	return atomic.LoadInt32(c.cols), atomic.LoadInt32(c.rows)
}

// RequestStdin is called by the worker context. It posts a
// STDIN_REQUEST for up to maxBytes and re-checks COMMAND every ~1ms
// until it reads STDIN_READY or ctx is done. Returns the bytes actually
// delivered. The loop has no deadline of its own and does not return
// for an EXPORT_VFS or EXIT command written mid-wait.
func (c *ControlBuffer) RequestStdin(ctx context.Context, maxBytes int32) ([]byte, error) {
	if maxBytes > int32(len(c.stdinPayload)) {
		maxBytes = int32(len(c.stdinPayload))
	}
	atomic.StoreInt32(c.length, maxBytes)
	atomic.StoreInt32(c.command, int32(CmdStdinRequest))

	ticker := time.NewTicker(pollInterval * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(c.command, int32(CmdIdle))
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if Command(atomic.LoadInt32(c.command)) == CmdStdinReady {
			n := atomic.LoadInt32(c.length)
			buf := make([]byte, n)
			copy(buf, c.stdinPayload[:n])
			atomic.StoreInt32(c.command, int32(CmdIdle))
			return buf, nil
		}
	}
}

// PendingExportOrExit lets the worker's bounded-wait loop observe a
// cooperative command that arrived while a stdin request or dispatch
// batch is in flight, without tearing down the stdin request.
func (c *ControlBuffer) PendingExportOrExit() Command {
	cmd := Command(atomic.LoadInt32(c.command))
	if cmd == CmdExportVFS || cmd == CmdExit {
		return cmd
	}
	return CmdIdle
}

// ServiceStdin is called by the main/drain context. If a STDIN_REQUEST
// is pending, it copies up to LENGTH bytes from pending into the
// payload region, records the actual count, and flips the command to
// STDIN_READY. Returns the number of bytes consumed from pending.
func (c *ControlBuffer) ServiceStdin(pending []byte) (consumed int, serviced bool) {
	if Command(atomic.LoadInt32(c.command)) != CmdStdinRequest {
		return 0, false
	}
	maxBytes := atomic.LoadInt32(c.length)
	n := int32(len(pending))
	if n > maxBytes {
		n = maxBytes
	}
	if n > int32(len(c.stdinPayload)) {
		n = int32(len(c.stdinPayload))
	}
	copy(c.stdinPayload, pending[:n])
	atomic.StoreInt32(c.length, n)
	atomic.StoreInt32(c.command, int32(CmdStdinReady))
	return int(n), true
}

// RequestExportVFS is called by the main/drain context on the
// auto-save cadence.
func (c *ControlBuffer) RequestExportVFS() {
	atomic.StoreInt32(c.command, int32(CmdExportVFS))
}

// ExportRequested reports whether an EXPORT_VFS command is outstanding;
// called by the worker between emulator dispatch batches.
func (c *ControlBuffer) ExportRequested() bool {
	return Command(atomic.LoadInt32(c.command)) == CmdExportVFS
}

// CompleteExportVFS is called by the worker once it has posted the tar
// out-of-band, returning COMMAND to IDLE.
func (c *ControlBuffer) CompleteExportVFS() {
	atomic.StoreInt32(c.command, int32(CmdIdle))
}

// SignalExit is called by the worker when the guest process exits.
func (c *ControlBuffer) SignalExit(code int32) {
	atomic.StoreInt32(c.exitCode, code)
	atomic.StoreInt32(c.command, int32(CmdExit))
}

// PollExit is called by the main/drain context; reports the exit code
// if COMMAND == EXIT.
func (c *ControlBuffer) PollExit() (code int32, exited bool) {
	if Command(atomic.LoadInt32(c.command)) == CmdExit {
		return atomic.LoadInt32(c.exitCode), true
	}
	return 0, false
}
