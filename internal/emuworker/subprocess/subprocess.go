// Package subprocess implements emuworker.Worker by driving an external
// worker binary as a sandboxed OS process, exchanging commands and
// events over its stdin/stdout as newline-delimited JSON. This is the
// same shape as an external-CLI agent adapter: spawn, stream
// stdout lines, parse a small tagged-event protocol out of them.
//
// The worker process does not share this host's mmap'd rpcshm buffers
// — those alias Go memory that only makes sense within this process —
// so InitOptions.Control/Network are recorded but not forwarded to the
// child. A worker binary wired up this way talks guest stdout and
// socket traffic back through its own event stream instead, which the
// Supervisor would need a different bridge to consume; today only
// Ready/VFSExport/JITStats/Error flow over this channel, which is all the
// composition root currently drives.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/ehrlich-b/rvhost/internal/emuworker"
	"github.com/ehrlich-b/rvhost/internal/sandbox"
)

// Worker drives one sandboxed worker subprocess.
type Worker struct {
	name string
	args []string
	sb   sandbox.Sandbox
	log  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan emuworker.Event
}

// New constructs a subprocess worker for the given worker binary and
// its arguments. Init does not exec workerCmd directly: it re-execs
// this same rvhostd binary under a hidden `__workerinit` subcommand,
// which applies the seccomp filter before exec-ing into workerCmd, so
// the filter lands in the process that actually runs the guest rather
// than in a binary that has no idea this module's sandbox package
// exists.
func New(selfPath, workerCmd string, workerArgs []string, sb sandbox.Sandbox, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	args := append([]string{"__workerinit", "--", workerCmd}, workerArgs...)
	return &Worker{
		name:   selfPath,
		args:   args,
		sb:     sb,
		log:    log,
		events: make(chan emuworker.Event, 16),
	}
}

type wireCommand struct {
	Type        string            `json:"type"`
	JITConfig   map[string]string `json:"jit_config,omitempty"`
	RootfsBytes []byte            `json:"rootfs_bytes,omitempty"`
	Argv        []string          `json:"argv,omitempty"`
	Env         []string          `json:"env,omitempty"`
	Cols        int32             `json:"cols,omitempty"`
	Rows        int32             `json:"rows,omitempty"`
	Path        string            `json:"path,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	Handle      string            `json:"handle,omitempty"`
}

type wireEvent struct {
	Kind      string            `json:"kind"`
	VFSTar    []byte            `json:"vfs_tar,omitempty"`
	JITStats  map[string]int64  `json:"jit_stats,omitempty"`
	ErrorMsg  string            `json:"error_msg,omitempty"`
	ErrorInfo map[string]string `json:"error_info,omitempty"`
}

// Init spawns the sandboxed subprocess and starts its event-reading
// loop. Control and Network are not forwarded to the child — see the
// package doc comment.
func (w *Worker) Init(ctx context.Context, opts emuworker.InitOptions) error {
	cmd, err := w.sb.Exec(ctx, w.name, w.args)
	if err != nil {
		return fmt.Errorf("sandbox exec: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	if err := w.sb.PostStart(cmd.Process.Pid); err != nil {
		w.log.Warn("sandbox post-start failed", "err", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.mu.Unlock()

	go w.readLoop(stdout)

	return w.send(wireCommand{Type: "init", JITConfig: opts.JITConfig})
}

// Run starts guest execution inside the already-initialized subprocess.
func (w *Worker) Run(ctx context.Context, req emuworker.RunRequest) error {
	return w.send(wireCommand{Type: "run", RootfsBytes: req.RootfsBytes, Argv: req.Argv, Env: req.Env})
}

// Resize forwards a terminal resize to the subprocess. Errors are
// logged, not returned, matching the fire-and-forget contract the
// Supervisor expects of Resize.
func (w *Worker) Resize(cols, rows int32) {
	if err := w.send(wireCommand{Type: "resize", Cols: cols, Rows: rows}); err != nil {
		w.log.Warn("resize command failed", "err", err)
	}
}

func (w *Worker) WriteFile(path string, data []byte) error {
	return w.send(wireCommand{Type: "write_file", Path: path, Data: data})
}

func (w *Worker) MountLocal(handle string) error {
	return w.send(wireCommand{Type: "mount_local", Handle: handle})
}

func (w *Worker) LoadSnapshot(data []byte) error {
	return w.send(wireCommand{Type: "load_snapshot", Data: data})
}

func (w *Worker) Events() <-chan emuworker.Event {
	return w.events
}

// Terminate asks the subprocess to exit cleanly, then waits for it
// within ctx's deadline before killing it outright.
func (w *Worker) Terminate(ctx context.Context) error {
	w.send(wireCommand{Type: "terminate"})

	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (w *Worker) send(c wireCommand) error {
	w.mu.Lock()
	stdin := w.stdin
	w.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("worker not initialized")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	data = append(data, '\n')
	_, err = stdin.Write(data)
	return err
}

func (w *Worker) readLoop(stdout io.Reader) {
	defer close(w.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var ev wireEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			w.log.Warn("malformed worker event", "err", err)
			continue
		}
		out, ok := translateEvent(ev)
		if !ok {
			continue
		}
		select {
		case w.events <- out:
		default:
			w.log.Warn("worker event dropped, channel full", "kind", ev.Kind)
		}
	}
	if err := scanner.Err(); err != nil {
		w.log.Warn("worker stdout scan failed", "err", err)
	}
}

func translateEvent(ev wireEvent) (emuworker.Event, bool) {
	switch ev.Kind {
	case "ready":
		return emuworker.Event{Kind: emuworker.EventReady}, true
	case "vfs_export":
		return emuworker.Event{Kind: emuworker.EventVFSExport, VFSTar: ev.VFSTar}, true
	case "jit_stats":
		return emuworker.Event{Kind: emuworker.EventJITStats, JITStats: ev.JITStats}, true
	case "error":
		return emuworker.Event{Kind: emuworker.EventError, ErrorMsg: ev.ErrorMsg, ErrorInfo: ev.ErrorInfo}, true
	default:
		return emuworker.Event{}, false
	}
}
