package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

// isTTY reports whether stdout is an interactive terminal.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "milo",
		Short: "Autonomous coding assistant backend",
		Long: fmt.Sprintf(`%s

milo runs an agent loop against an OpenAI-compatible model endpoint,
executing file and shell tools inside per-conversation project sandboxes
and streaming progress to clients over SSE and WebSocket.

%s
  milo serve                     # Start the HTTP server
  milo serve --port 9000         # Override the listen port
  milo probe                     # Check the configured model endpoint
  milo version                   # Print the version`,
			bold("milo "+version),
			bold("EXAMPLES:")),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.milo/config.yaml)")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newProbeCommand(&configPath))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("milo %s\n", version)
		},
	}
}
