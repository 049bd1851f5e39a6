// Package sandbox isolates the emulator worker process from the host.
//
// A browser gives its WASM worker thread a sandbox for free: no
// filesystem, no raw sockets, no ptrace. When the same worker runs as
// a real OS process on a server or desktop host, that isolation has
// to be built by hand. Sandbox provides it via Linux namespaces and
// resource limits, falling back to plain process isolation wherever
// CAP_SYS_ADMIN or namespace support is unavailable.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// Sandbox provides isolated execution of an emulator worker process.
type Sandbox interface {
	Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error)
	PostStart(pid int) error // apply rlimits/cgroups after the process starts
	Destroy() error
}

// Mount exposes a host path to the worker — used when the worker runs as
// a real subprocess that needs the composed overlay root on disk, rather
// than an in-process interpreter operating on an in-memory tar.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Config holds sandbox creation parameters for one machine's worker.
type Config struct {
	Isolation    Level
	Mounts       []Mount
	Deny         []string // host paths to keep from the worker (e.g. ~/.ssh); neither backend enforces them, the fallback logs a warning
	Timeout      time.Duration
	CPULimit     time.Duration // RLIMIT_CPU (0 = no limit)
	MemLimit     uint64        // RLIMIT_AS in bytes (0 = no limit)
	MaxFDs       uint32        // RLIMIT_NOFILE (0 = no limit)
	AllowNetwork bool          // worker may open raw sockets instead of going through the network bridge
}

// New creates a platform-appropriate sandbox for a worker. Falls back to a
// process-level sandbox (no namespace isolation) when the platform or the
// caller's privileges can't support better, logging the gap rather than
// failing the boot — a best-effort stance consistent with this system's
// other optional host capabilities (persistent storage, advisory locks).
func New(cfg Config) (Sandbox, error) {
	s, err := newPlatform(cfg)
	if err == nil {
		return s, nil
	}
	return newFallback(cfg)
}

func platformHelp() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux: requires root or CAP_SYS_ADMIN for namespace isolation (try: sudo setcap cap_sys_admin+ep /path/to/rvhostd)"
	default:
		return fmt.Sprintf("platform %s: no namespace sandbox backend, using process-level isolation only", runtime.GOOS)
	}
}
