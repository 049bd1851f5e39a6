package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/rvhost/internal/sandbox"
)

// workerInitCmd re-execs into the real worker binary after applying the
// seccomp filter. subprocess.Worker launches this hidden subcommand
// rather than the worker binary directly, since ApplySeccomp must run
// inside the process that ends up running the guest, and the worker
// binary itself has no knowledge of this module's sandbox package.
//
// Not intended to be invoked by a human; there is no Short/Long text
// and it's never added to root's visible help.
func workerInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "__workerinit -- worker-binary [args...]",
		Hidden:             true,
		DisableFlagParsing: true,
		Args:               cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && args[0] == "--" {
				args = args[1:]
			}
			if len(args) == 0 {
				return fmt.Errorf("__workerinit: no worker binary given")
			}
			if err := sandbox.ApplySeccomp(); err != nil {
				return fmt.Errorf("apply seccomp: %w", err)
			}
			path, err := exec.LookPath(args[0])
			if err != nil {
				return fmt.Errorf("lookup worker binary %s: %w", args[0], err)
			}
			return syscall.Exec(path, args, os.Environ())
		},
	}
	return cmd
}
