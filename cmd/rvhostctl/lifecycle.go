package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/rvhost/internal/transport"
)

func bootCmd(socketPath *string) *cobra.Command {
	var ownerToken string
	var steal bool

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "boot the machine, acquiring its single-tab lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client(socketPath).Boot(ownerToken, steal)
			if err != nil {
				return err
			}
			return printStatus(st)
		},
	}
	cmd.Flags().StringVar(&ownerToken, "owner", "", "owner token to boot under (generated if empty)")
	cmd.Flags().BoolVar(&steal, "steal", false, "force take-over from any current lock holder")
	return cmd
}

func pauseCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "snapshot the running machine and suspend the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client(socketPath).Pause()
			if err != nil {
				return err
			}
			return printStatus(st)
		},
	}
}

func resumeCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "resume a paused machine from its last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client(socketPath).Resume()
			if err != nil {
				return err
			}
			return printStatus(st)
		},
	}
}

func terminateCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate",
		Short: "tear down the machine and release its lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client(socketPath).Terminate()
			if err != nil {
				return err
			}
			return printStatus(st)
		},
	}
}

func statusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the machine's current lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client(socketPath).Status()
			if err != nil {
				return err
			}
			return printStatus(st)
		},
	}
}

func printStatus(st *transport.StatusResponse) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
