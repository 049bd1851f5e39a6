// Package supervisor owns the emulator worker's lifecycle — boot, run,
// pause/snapshot, resume, terminate — plus single-tab ownership
// arbitration. It composes the store, overlay, lockmgr, rpcshm,
// emuworker and termsink packages into a single orchestrator, the way internal/daemon.Daemon wires up a
// store/orchestrator/transport stack.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/rvhost/internal/config"
	"github.com/ehrlich-b/rvhost/internal/emuworker"
	"github.com/ehrlich-b/rvhost/internal/herr"
	"github.com/ehrlich-b/rvhost/internal/lockmgr"
	"github.com/ehrlich-b/rvhost/internal/overlay"
	"github.com/ehrlich-b/rvhost/internal/rpcshm"
	"github.com/ehrlich-b/rvhost/internal/store"
	"github.com/ehrlich-b/rvhost/internal/termsink"
)

// ErrLockHeld is surfaced to the UI as "running in another tab".
var ErrLockHeld = store.ErrLockHeld

const (
	bootDeadline      = 120 * time.Second
	snapshotDeadline  = 10 * time.Second
	terminateDeadline = 2 * time.Second
	autoSaveInterval  = 10 * time.Second
	drainInterval     = 4 * time.Millisecond
)

// LoadBaseFunc fetches and parses the machine's base rootfs tar. Exists
// as an injectable dependency so tests never need a real RootfsURL.
type LoadBaseFunc func(ctx context.Context, url string) (*overlay.Tar, error)

// Deps are the collaborators a Supervisor is wired to.
type Deps struct {
	Store     *store.Store
	Locks     *lockmgr.Manager
	NewWorker func() emuworker.Worker
	LoadBase  LoadBaseFunc
	Sink      termsink.Sink
	Log       *slog.Logger
}

// Snapshot bundles the VFS export and, when the real emulator worker
// supplies one, the register/memory blob.
type Snapshot struct {
	VFSTar    []byte
	Registers []byte
}

// Supervisor drives one machine's worker lifecycle.
type Supervisor struct {
	machine *config.Machine
	deps Deps

	mu sync.Mutex
	state State
	ownerToken string
	worker emuworker.Worker
	control *rpcshm.ControlBuffer
	network *rpcshm.NetworkBuffer
	netHandler rpcshm.Handler
	composedBase *overlay.Tar
	baseFingerprint string
	lastSnapshot *Snapshot
	pendingExport bool

	inputMu sync.Mutex
	pendingInput []byte

	cancelRun context.CancelFunc
	stopped chan struct{}
}

// New constructs an idle Supervisor for machine, wired to deps.
// netHandler services the network RPC channel (typically a
// netbridge.Bridge.Dispatch); it may be nil for tests that never touch
// sockets.
func New(machine *config.Machine, deps Deps, netHandler rpcshm.Handler) *Supervisor {
	if deps.Sink == nil {
		deps.Sink = termsink.Discard{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Supervisor{
		machine: machine,
		deps: deps,
		state: StateIdle,
		netHandler: netHandler,
	}
	deps.Sink.OnInput(s.queueInput)
	return s
}

// queueInput buffers a keystroke batch from the attached terminal sink
// until the drain loop next services a STDIN_REQUEST.
func (s *Supervisor) queueInput(data []byte) {
	s.inputMu.Lock()
	s.pendingInput = append(s.pendingInput, data...)
	s.inputMu.Unlock()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("supervisor: invalid transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}

// Boot implements boot sequence. ownerToken identifies
// this caller for lock arbitration; steal forces take-over from any
// existing holder.
func (s *Supervisor) Boot(ctx context.Context, ownerToken string, steal bool, packages []overlay.Package) error {
	ctx, cancel := context.WithTimeout(ctx, bootDeadline)
	defer cancel()

	s.mu.Lock()
	if s.state != StateIdle && s.state != StatePaused {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot boot from state %s", s.state)
	}
	if err := s.setState(StateBooting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	// Step 1: acquire the advisory lock.
	if steal {
		if err := s.deps.Locks.Steal(s.machine.ID, ownerToken); err != nil {
			return err
		}
	} else if err := s.deps.Locks.Acquire(s.machine.ID, ownerToken); err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return err
	}
	s.ownerToken = ownerToken

	// Step 2+3: read session, load base+packages, compose, verify fingerprint.
	sess, err := s.deps.Store.GetSession(s.machine.ID)
	if err != nil {
		return err
	}
	if sess == nil {
		if sess, err = s.deps.Store.CreateSession(s.machine.ID, s.machine.Name); err != nil {
			return err
		}
	}

	base, err := s.deps.LoadBase(ctx, s.machine.RootfsURL)
	if err != nil {
		return herr.NewLayerError("base", true, err)
	}

	delta := overlay.NewDelta()
	if len(sess.DeltaBytes) > 0 {
		decoded, derr := overlay.DecodeDelta(sess.DeltaBytes)
		if derr != nil {
			s.deps.Log.Warn("session delta corrupt, quarantining and booting empty", "machine", s.machine.ID, "error", herr.NewLayerError("delta", false, derr))
			_ = s.deps.Store.QuarantineDelta(s.machine.ID, sess.DeltaBytes)
		} else {
			delta = decoded
		}
	}

	composed := overlay.Compose(base, packages, delta)
	fingerprint := overlay.ComposedFingerprint(overlay.Fingerprint(base), packageIDs(packages))
	if sess.BaseFingerprint != "" && sess.BaseFingerprint != fingerprint {
		s.deps.Log.Warn("base fingerprint mismatch, falling back to empty delta", "machine", s.machine.ID)
		delta = overlay.NewDelta()
		composed = overlay.Compose(base, packages, delta)
	}

	s.mu.Lock()
	s.composedBase = composed
	s.baseFingerprint = fingerprint
	s.mu.Unlock()

	// Step 4: allocate shared buffers.
	control, err := rpcshm.NewControlBuffer()
	if err != nil {
		return err
	}
	network, err := rpcshm.NewNetworkBuffer()
	if err != nil {
		control.Close()
		return err
	}

	// Step 5+6: spawn the worker, init, run.
	w := s.deps.NewWorker()
	if err := w.Init(ctx, emuworker.InitOptions{Control: control, Network: network}); err != nil {
		control.Close()
		network.Close()
		return herr.NewWorkerError(s.machine.ID, err)
	}

	tarBytes, err := composed.Write()
	if err != nil {
		control.Close()
		network.Close()
		return herr.NewLayerError("compose", true, err)
	}
	if err := w.Run(ctx, emuworker.RunRequest{RootfsBytes: tarBytes, Argv: s.machine.Entrypoint, Env: s.machine.Env}); err != nil {
		control.Close()
		network.Close()
		return herr.NewWorkerError(s.machine.ID, err)
	}

	if err := s.awaitReady(ctx, w); err != nil {
		control.Close()
		network.Close()
		return err
	}

	s.mu.Lock()
	s.worker = w
	s.control = control
	s.network = network
	if err := s.setState(StateRunning); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	// Step 7: start the drain loop.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	s.stopped = make(chan struct{})
	go s.run(runCtx, w)

	return nil
}

func (s *Supervisor) awaitReady(ctx context.Context, w emuworker.Worker) error {
	select {
	case ev, ok := <-w.Events():
		if !ok {
			return herr.NewWorkerError(s.machine.ID, errors.New("worker exited before ready"))
		}
		if ev.Kind != emuworker.EventReady {
			return herr.NewWorkerError(s.machine.ID, fmt.Errorf("expected ready, got event kind %d", ev.Kind))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the drain loop plus event pump; it owns the worker for the
// rest of its life.
func (s *Supervisor) run(ctx context.Context, w emuworker.Worker) {
	defer close(s.stopped)

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	autoSave := time.NewTicker(autoSaveInterval)
	defer autoSave.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				s.handleFatal(herr.NewWorkerError(s.machine.ID, errors.New("worker event channel closed")))
				return
			}
			s.handleEvent(ev)
			if ev.Kind == emuworker.EventError {
				return
			}
		case <-ticker.C:
			s.drainOnce()
		case <-autoSave.C:
			s.requestExport()
		}
	}
}

func (s *Supervisor) drainOnce() {
	s.mu.Lock()
	control, network := s.control, s.network
	s.mu.Unlock()
	if control == nil {
		return
	}

	buf := make([]byte, rpcshm.NetworkPayload)
	if n := control.Stdout().Read(buf); n > 0 {
		_, _ = s.deps.Sink.Write(buf[:n])
	}

	s.inputMu.Lock()
	pending := s.pendingInput
	s.inputMu.Unlock()
	if len(pending) > 0 {
		if consumed, serviced := control.ServiceStdin(pending); serviced {
			s.inputMu.Lock()
			s.pendingInput = s.pendingInput[consumed:]
			s.inputMu.Unlock()
		}
	}

	if network != nil && s.netHandler != nil {
		network.Poll(s.netHandler)
	}
	if code, exited := control.PollExit(); exited {
		s.deps.Log.Info("worker exited", "machine", s.machine.ID, "code", code)
	}
}

// requestExport implements the auto-save cadence: an
// export while a prior one is unacknowledged is coalesced, latest-wins.
func (s *Supervisor) requestExport() {
	s.mu.Lock()
	if s.pendingExport {
		s.mu.Unlock()
		return
	}
	s.pendingExport = true
	control := s.control
	s.mu.Unlock()
	if control != nil {
		control.RequestExportVFS()
	}
}

func (s *Supervisor) handleEvent(ev emuworker.Event) {
	switch ev.Kind {
	case emuworker.EventVFSExport:
		s.handleExport(ev.VFSTar)
	case emuworker.EventError:
		s.handleFatal(herr.NewWorkerError(s.machine.ID, errors.New(ev.ErrorMsg)))
	}
}

// handleExport is the sole persistence write path: it
// diffs the export against the composed base and saves the resulting
// delta.
func (s *Supervisor) handleExport(tarBytes []byte) {
	s.mu.Lock()
	s.pendingExport = false
	base := s.composedBase
	fingerprint := s.baseFingerprint
	s.lastSnapshot = &Snapshot{VFSTar: tarBytes}
	s.mu.Unlock()

	current, err := overlay.ParseTar(bytes.NewReader(tarBytes))
	if err != nil {
		s.deps.Log.Warn("vfs export unparseable, skipping save", "machine", s.machine.ID, "error", err)
		return
	}
	delta := overlay.ComputeDelta(base, current)
	encoded, err := overlay.EncodeDelta(delta)
	if err != nil {
		s.deps.Log.Warn("encode delta failed, skipping save", "machine", s.machine.ID, "error", err)
		return
	}
	if err := s.deps.Store.SaveSessionDelta(s.machine.ID, encoded, fingerprint); err != nil {
		s.deps.Log.Warn("save session delta failed", "machine", s.machine.ID, "error", err)
	}
}

func (s *Supervisor) handleFatal(err error) {
	s.deps.Log.Error("supervisor fatal error", "machine", s.machine.ID, "error", err)
	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
	_ = s.deps.Locks.Release(s.machine.ID, s.ownerToken)
}

// Pause requests a snapshot and terminates the worker once it arrives.
func (s *Supervisor) Pause(ctx context.Context) error {
	s.mu.Lock()
	if err := s.setState(StatePausing); err != nil {
		s.mu.Unlock()
		return err
	}
	control := s.control
	worker := s.worker
	s.mu.Unlock()

	control.RequestExportVFS()

	snapCtx, cancel := context.WithTimeout(ctx, snapshotDeadline)
	defer cancel()
	select {
	case ev, ok := <-worker.Events():
		if ok && ev.Kind == emuworker.EventVFSExport {
			s.handleExport(ev.VFSTar)
		}
	case <-snapCtx.Done():
		s.deps.Log.Warn("snapshot deadline exceeded, forcing terminate", "machine", s.machine.ID)
	}

	if s.cancelRun != nil {
		s.cancelRun()
		<-s.stopped
	}
	termCtx, cancel2 := context.WithTimeout(ctx, terminateDeadline)
	defer cancel2()
	_ = worker.Terminate(termCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setState(StatePaused)
}

// Resume starts a fresh worker by calling Boot again, which reloads the
// base through LoadBase and recomposes it with packages and the
// session's saved delta; the composed tar kept from the earlier boot is
// not reused. If a snapshot was taken on pause, its VFS tar is then
// handed to the new worker through LoadSnapshot.
func (s *Supervisor) Resume(ctx context.Context, packages []overlay.Package) error {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot resume from state %s", s.state)
	}
	snap := s.lastSnapshot
	s.mu.Unlock()

	if err := s.Boot(ctx, s.ownerToken, false, packages); err != nil {
		return err
	}
	if snap != nil {
		s.mu.Lock()
		w := s.worker
		s.mu.Unlock()
		if w != nil {
			_ = w.LoadSnapshot(snap.VFSTar)
		}
	}
	return nil
}

// Terminate transitions to terminated from any state and releases the
// lock.
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.mu.Lock()
	worker := s.worker
	cancelRun := s.cancelRun
	stopped := s.stopped
	s.state = StateTerminated
	s.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
		<-stopped
	}
	if worker != nil {
		termCtx, cancel := context.WithTimeout(ctx, terminateDeadline)
		defer cancel()
		_ = worker.Terminate(termCtx)
	}
	return s.deps.Locks.Release(s.machine.ID, s.ownerToken)
}

// Resize forwards a terminal resize to the control header and worker.
func (s *Supervisor) Resize(cols, rows int32) {
	s.mu.Lock()
	control, worker := s.control, s.worker
	s.mu.Unlock()
	if control != nil {
		control.SetSize(cols, rows)
	}
	if worker != nil {
		worker.Resize(cols, rows)
	}
	s.deps.Sink.Resize(cols, rows)
}

func packageIDs(pkgs []overlay.Package) []string {
	ids := make([]string, len(pkgs))
	for i, p := range pkgs {
		ids[i] = p.ID
	}
	return ids
}
