//go:build linux

package sandbox

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Seccomp filter return actions, as in linux/seccomp.h.
const (
	seccompRetAllow = 0x7fff0000
	seccompRetErrno = 0x00050000
)

// ApplySeccomp installs the deny-list BPF filter in the calling process and
// sets PR_SET_NO_NEW_PRIVS so it can't be undone by exec'ing a setuid
// binary. Must be called after namespace setup and before the worker's
// interpreter loop starts — it is irreversible for the lifetime of the
// process. Intended to run inside the re-exec'd worker entrypoint, not the
// supervisor process itself.
func ApplySeccomp() error {
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return fmt.Errorf("prctl(NO_NEW_PRIVS): %v", errno)
	}

	denied := append(append([]uint32{}, deniedSyscalls...), deniedSyscallsArch...)
	prog := buildSeccompFilterFor(denied)
	if len(prog) == 0 {
		return nil
	}

	sockFprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER,
		uintptr(unsafe.Pointer(&sockFprog))); errno != 0 {
		return fmt.Errorf("prctl(SET_SECCOMP): %v", errno)
	}
	return nil
}

// buildSeccompFilterFor builds a BPF program that fails every syscall in
// denied with EPERM and allows all others; ApplySeccomp passes it the
// common deny list plus the architecture-specific one.
func buildSeccompFilterFor(denied []uint32) []unix.SockFilter {
	n := len(denied)
	if n == 0 {
		return nil
	}
	prog := make([]unix.SockFilter, 0, n+3)
	prog = append(prog, unix.SockFilter{Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS, K: 0})
	for i, nr := range denied {
		prog = append(prog, unix.SockFilter{
			Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K,
			Jt:   uint8(n - i),
			Jf:   0,
			K:    nr,
		})
	}
	prog = append(prog, unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: seccompRetAllow})
	prog = append(prog, unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: seccompRetErrno | uint32(unix.EPERM)})
	return prog
}
