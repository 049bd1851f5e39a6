package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/rvhost/internal/transport"
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:   "rvhostctl",
		Short: "operator CLI for a running rvhostd machine",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "./data/machine.sock", "path to the machine's control socket")

	root.AddCommand(
		bootCmd(&socketPath),
		pauseCmd(&socketPath),
		resumeCmd(&socketPath),
		terminateCmd(&socketPath),
		statusCmd(&socketPath),
		pkgCmd(&socketPath),
		attachCmd(&socketPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rvhostctl: %v\n", err)
		os.Exit(1)
	}
}

func client(socketPath *string) *transport.Client {
	return transport.NewClient(*socketPath)
}
