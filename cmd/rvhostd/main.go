package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/rvhost/internal/logger"
)

func main() {
	root := &cobra.Command{
		Use:   "rvhostd",
		Short: "rvhost machine supervisor daemon",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(workerInitCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rvhostd: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	logger.Init("info", "")
}
