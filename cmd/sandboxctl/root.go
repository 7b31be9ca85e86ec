package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Operator CLI for the sandbox mediation daemon",
	Long: `sandboxctl talks to a running sandboxd over HTTP and WebSocket.

Commands:
  list               print pending permission requests
  approve <id...>    approve one or more requests
  deny <id...>       deny one or more requests
  rules              list configured rules
  allow "<rule>"     add an always-allow rule
  watch              stream live events and resolve from stdin`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:3700", "sandboxd control plane address")
}
