// Package emuworker defines the boundary between the Supervisor and the
// actual RISC-V emulator process, turning its message-passing contract
// into Go method calls instead of hand-rolled JSON marshaling at every
// call site.
package emuworker

import (
	"context"

	"github.com/ehrlich-b/rvhost/internal/rpcshm"
)

// InitOptions configures a worker at startup.
type InitOptions struct {
	Control *rpcshm.ControlBuffer
	Network *rpcshm.NetworkBuffer
	JITConfig map[string]string
}

// RunRequest starts guest execution after Init.
type RunRequest struct {
	RootfsBytes []byte
	Argv []string
	Env []string
}

// EventKind discriminates Worker event payloads.
type EventKind int

const (
	EventReady EventKind = iota
	EventVFSExport
	EventJITStats
	EventError
)

// Event is one asynchronous notification from the worker. Stdout is excluded —
// it travels through the ring channel, not this event stream.
type Event struct {
	Kind EventKind
	VFSTar []byte // set on EventVFSExport
	JITStats map[string]int64 // set on EventJITStats
	ErrorMsg string // set on EventError
	ErrorInfo map[string]string // e.g. stack, set on EventError
}

// Worker is the Supervisor's view of a running emulator instance.
type Worker interface {
	Init(ctx context.Context, opts InitOptions) error
	Run(ctx context.Context, req RunRequest) error
	Resize(cols, rows int32)
	WriteFile(path string, data []byte) error
	MountLocal(handle string) error
	LoadSnapshot(data []byte) error

	// Events returns the channel the Supervisor drains for Ready,
	// VFSExport, JITStats, and Error notifications. Closed when the
	// worker process exits.
	Events() <-chan Event

	// Terminate asks the worker to stop. The Supervisor enforces its own
	// termination deadline via ctx rather than relying on the worker to
	// bound its own shutdown time.
	Terminate(ctx context.Context) error
}
