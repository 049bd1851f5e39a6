//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// No default resource limits — only apply when explicitly configured.
// The RISC-V interpreter's WASM JIT path needs 1GB+ of virtual address
// space for its code range alone, and a paused-but-resumable machine
// shouldn't have a wall-clock CPU cap.

// Dangerous syscalls to deny via seccomp. The worker never needs to
// manage mounts, modules, or the kernel's own lifecycle — it only
// executes guest RISC-V code and talks back over the shared buffers.
var deniedSyscalls = []uint32{
	unix.SYS_MOUNT,
	unix.SYS_UMOUNT2,
	unix.SYS_REBOOT,
	unix.SYS_SWAPON,
	unix.SYS_SWAPOFF,
	unix.SYS_KEXEC_LOAD,
	unix.SYS_INIT_MODULE,
	unix.SYS_FINIT_MODULE,
	unix.SYS_DELETE_MODULE,
	unix.SYS_PIVOT_ROOT,
	unix.SYS_PTRACE,
}

type linuxSandbox struct {
	cfg    Config
	tmpDir string
	cg     *cgroupManager
}

// newPlatform tries to create a namespace+seccomp sandbox for the worker.
// Returns an error if capabilities are insufficient so the factory falls
// back to process-level isolation.
func newPlatform(cfg Config) (Sandbox, error) {
	if !hasNamespaceCapability() {
		return nil, fmt.Errorf("linux sandbox: need root or CAP_SYS_ADMIN for namespaces")
	}

	dir, err := os.MkdirTemp("", "rvhost-worker-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox tmpdir: %w", err)
	}

	var cg *cgroupManager
	if cfg.MemLimit > 0 || cfg.MaxFDs > 0 {
		cg, err = newCgroupManager(filepath_base(dir), cfg.MemLimit, uint32(0))
		if err != nil {
			log.Printf("linux sandbox: cgroup setup failed: %v", err)
		}
	}

	log.Printf("linux sandbox: created tmpdir=%s isolation=%s", dir, cfg.Isolation)
	return &linuxSandbox{cfg: cfg, tmpDir: dir, cg: cg}, nil
}

func filepath_base(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func hasNamespaceCapability() bool {
	if os.Geteuid() == 0 {
		return true
	}
	// Check CAP_SYS_ADMIN via capget. Use VERSION_1 which needs only one
	// CapUserData struct (VERSION_3 requires [2]CapUserData — passing a
	// single struct corrupts the stack because the kernel writes past the
	// end). VERSION_1 covers caps 0-31 which includes CAP_SYS_ADMIN (cap 21).
	var hdr unix.CapUserHeader
	var data unix.CapUserData
	hdr.Version = unix.LINUX_CAPABILITY_VERSION_1
	hdr.Pid = 0 // current process
	if err := unix.Capget(&hdr, &data); err == nil {
		if data.Effective&(1<<unix.CAP_SYS_ADMIN) != 0 {
			return true
		}
	}
	// Check unprivileged user namespaces (works without root on most modern distros).
	if val, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		return strings.TrimSpace(string(val)) == "1"
	}
	// Sysctl missing (e.g. WSL2, non-Debian kernels) — probe by actually
	// trying to create a user namespace. This is the only reliable check.
	return probeUserNamespace()
}

// probeUserNamespace spawns a trivial child in a new user namespace to test support.
func probeUserNamespace() bool {
	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{{
			ContainerID: os.Getuid(),
			HostID:      os.Getuid(),
			Size:        1,
		}},
		GidMappings: []syscall.SysProcIDMap{{
			ContainerID: os.Getgid(),
			HostID:      os.Getgid(),
			Size:        1,
		}},
	}
	return cmd.Run() == nil
}

func (s *linuxSandbox) Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = s.tmpDir
	cmd.Env = s.buildEnv()
	cmd.SysProcAttr = s.sysProcAttr()
	return cmd, nil
}

// PostStart applies resource limits to the worker process via prlimit and
// moves it into the cgroup created at sandbox setup, if any.
func (s *linuxSandbox) PostStart(pid int) error {
	for _, rl := range s.rlimits() {
		lim := unix.Rlimit{Cur: rl.value, Max: rl.value}
		if err := unix.Prlimit(pid, rl.resource, &lim, nil); err != nil {
			log.Printf("linux sandbox: prlimit(%d, %d, %d) failed: %v", pid, rl.resource, rl.value, err)
		}
	}
	if s.cg != nil {
		if err := s.cg.AddPID(pid); err != nil {
			log.Printf("linux sandbox: add pid to cgroup failed: %v", err)
		}
	}
	return nil
}

func (s *linuxSandbox) Destroy() error {
	if s.cg != nil {
		s.cg.Destroy()
	}
	return os.RemoveAll(s.tmpDir)
}

func (s *linuxSandbox) buildEnv() []string {
	return []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + s.tmpDir,
		"TMPDIR=" + s.tmpDir,
	}
}

func (s *linuxSandbox) sysProcAttr() *syscall.SysProcAttr {
	flags := s.cloneFlags()

	attr := &syscall.SysProcAttr{
		Cloneflags: flags,
	}

	// When not root, use a user namespace for unprivileged isolation.
	if os.Geteuid() != 0 && flags != 0 {
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		uid := os.Getuid()
		gid := os.Getgid()
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
	}

	return attr
}

// cloneFlags returns namespace clone flags based on the configured Isolation
// level. Network isolation is stripped for Level Network and Privileged: the
// worker is then expected to own its sockets directly instead of routing
// guest network calls through the network bridge.
func (s *linuxSandbox) cloneFlags() uintptr {
	flags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWNET)
	if s.cfg.AllowNetwork || s.cfg.Isolation >= Network {
		flags &^= syscall.CLONE_NEWNET
	}
	if s.cfg.Isolation == Privileged {
		flags = 0
	}
	return flags
}

// rlimits returns resource limits for the worker process. Only applies
// limits when explicitly configured — no defaults.
func (s *linuxSandbox) rlimits() []rlimitPair {
	var pairs []rlimitPair
	if s.cfg.CPULimit > 0 {
		pairs = append(pairs, rlimitPair{unix.RLIMIT_CPU, uint64(s.cfg.CPULimit.Seconds())})
	}
	if s.cfg.MemLimit > 0 {
		// RLIMIT_AS limits virtual address space, not physical RAM. A
		// WASM JIT backend for the RISC-V interpreter reserves well over
		// a gigabyte of virtual address space for its code range alone,
		// on top of heap and guest memory. Enforce a 4GB floor so a
		// tight MemLimit doesn't make the worker fail to even start.
		mem := s.cfg.MemLimit
		const minVAS = 4 * 1024 * 1024 * 1024 // 4GB
		if mem < minVAS {
			log.Printf("linux sandbox: bumping RLIMIT_AS from %dMB to 4GB (JIT needs virtual address space)", mem/1024/1024)
			mem = minVAS
		}
		pairs = append(pairs, rlimitPair{unix.RLIMIT_AS, mem})
	}
	if s.cfg.MaxFDs > 0 {
		pairs = append(pairs, rlimitPair{unix.RLIMIT_NOFILE, uint64(s.cfg.MaxFDs)})
	}
	return pairs
}

type rlimitPair struct {
	resource int
	value    uint64
}

// The BPF filter itself (buildSeccompFilterFor) and its application
// (ApplySeccomp) live in seccomp_linux.go, since installing it happens
// inside the re-exec'd worker entrypoint rather than this sandbox-setup
// code, which only runs in the supervisor process.
