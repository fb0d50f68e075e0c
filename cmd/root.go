// Package cmd wires the CLI. The gateway is a single long-running
// process; everything interesting lives behind "sandpad serve".
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sandpad",
	Short: "Collaborative sandboxed coding backend",
	Long: `sandpad is the backend for a browser-based collaborative coding
environment: clients edit a shared set of files per environment and run
them inside an isolated, resource-capped Docker sandbox whose terminal
is streamed back to every connected client.`,
	Version: version,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
