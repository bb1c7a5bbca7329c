package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type serveOptions struct {
	configPath string
	addr       string
	dbPath     string
}

func newRootCmd() *cobra.Command {
	opts := &serveOptions{}

	rootCmd := &cobra.Command{
		Use:   "canvas-server",
		Short: "Canvas server - live collaboration for shared drawings",
		Long: `canvas-server keeps a shared drawing, live cursors and an undo history
consistent across every client connected to a room.

Clients connect over WebSocket at /ws?room={roomId}. Room documents are
replicated to SQLite; presence and events can be shared between instances
through Redis.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// Running without a subcommand serves
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to canvas.yml")
	flags.StringVar(&opts.addr, "addr", "", "listen address, overrides config and environment")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database path, overrides config and environment")

	rootCmd.AddCommand(newServeCmd(opts), newVersionCmd())
	return rootCmd
}

func newServeCmd(opts *serveOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the canvas server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "canvas-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
