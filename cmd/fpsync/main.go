// Command fpsync runs the sync server and talks to it from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	urlFlag    string
	reqIDFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "fpsync",
	Short: "Sync server and client for ledger metadata",
	Long: `fpsync serves and consumes the ledger sync protocol.

A server keeps the shared meta frontier of every tenant/ledger in SQLite or
libSQL and hands out signed URLs for data and WAL objects. Clients reach it
over HTTP request/response or a WebSocket stream, whichever both sides
advertise in their gestalt.

Settings come from fpsync.yaml (or .toml/.json) in the working directory or
~/.config/fpsync, overridden by FPSYNC_* environment variables and .env.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./fpsync.yaml or ~/.config/fpsync/fpsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&urlFlag, "url", "", "server base URL for client commands (overrides client.url)")
	rootCmd.PersistentFlags().StringVar(&reqIDFlag, "req-id", "", "connection request id (default: random)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "client", Title: "Client Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
