package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func pkgCmd(socketPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkg",
		Short: "manage the machine's installed package layers",
	}
	cmd.AddCommand(pkgInstallCmd(socketPath), pkgRemoveCmd(socketPath), pkgListCmd(socketPath))
	return cmd
}

func pkgInstallCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "install <id> <tar-path>",
		Short: "install a package layer from a local tar file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tarData, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			return client(socketPath).InstallPackage(args[0], tarData)
		},
	}
}

func pkgRemoveCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "uninstall a package layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(socketPath).RemovePackage(args[0])
		},
	}
}

func pkgListCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list installed package layers",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := client(socketPath).ListPackages()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
