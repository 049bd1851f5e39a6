// Package fake provides an in-process emuworker.Worker that never
// touches a real RISC-V interpreter, for exercising the Supervisor's
// boot/run/snapshot/terminate state machine in tests without the actual
// guest emulator collaborator, which is out of scope for this module
// entirely.
package fake

import (
	"context"
	"sync"

	"github.com/ehrlich-b/rvhost/internal/emuworker"
)

// Worker is a scriptable fake: it always emits Ready once Run is called
// successfully, followed by a VFSExport event when ExportOnRun is set.
type Worker struct {
	// ExportOnRun, if set, is emitted as VFSExport's tar bytes right after
	// Ready on a successful Run (used to simulate an auto-save tick).
	ExportOnRun []byte
	// FailInit/FailRun force Init/Run to return an error, for exercising
	// boot-failure paths.
	FailInit error
	FailRun error

	mu sync.Mutex
	cols int32
	rows int32
	files map[string][]byte
	snapshot []byte
	events chan emuworker.Event
	closed bool
}

// New constructs an unstarted fake worker.
func New() *Worker {
	return &Worker{
		files: make(map[string][]byte),
		events: make(chan emuworker.Event, 16),
	}
}

func (w *Worker) Init(ctx context.Context, opts emuworker.InitOptions) error {
	return w.FailInit
}

func (w *Worker) Run(ctx context.Context, req emuworker.RunRequest) error {
	if w.FailRun != nil {
		return w.FailRun
	}
	w.emit(emuworker.Event{Kind: emuworker.EventReady})
	if w.ExportOnRun != nil {
		w.emit(emuworker.Event{Kind: emuworker.EventVFSExport, VFSTar: w.ExportOnRun})
	}
	return nil
}

func (w *Worker) Resize(cols, rows int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cols, w.rows = cols, rows
}

func (w *Worker) WriteFile(path string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	w.files[path] = cp
	return nil
}

func (w *Worker) MountLocal(handle string) error {
	return nil
}

func (w *Worker) LoadSnapshot(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshot = append([]byte(nil), data...)
	return nil
}

func (w *Worker) Events() <-chan emuworker.Event {
	return w.events
}

func (w *Worker) Terminate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		close(w.events)
		w.closed = true
	}
	return nil
}

// TriggerExport synthesizes an EventVFSExport carrying tarBytes, for
// tests that drive the Supervisor's auto-save/export handling directly.
func (w *Worker) TriggerExport(tarBytes []byte) {
	w.emit(emuworker.Event{Kind: emuworker.EventVFSExport, VFSTar: tarBytes})
}

// TriggerError synthesizes an EventError.
func (w *Worker) TriggerError(msg string) {
	w.emit(emuworker.Event{Kind: emuworker.EventError, ErrorMsg: msg})
}

func (w *Worker) emit(ev emuworker.Event) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	select {
	case w.events <- ev:
	default:
	}
}

// Size returns the last Resize call's dimensions, for assertions.
func (w *Worker) Size() (cols, rows int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cols, w.rows
}

// File returns the bytes written to path via WriteFile, if any.
func (w *Worker) File(path string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.files[path]
	return data, ok
}
