package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: general failure vs. a clean stop.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

var rootCmd = &cobra.Command{
	Use:   "mcpforged",
	Short: "Deployment and gateway runtime for MCP server templates",
	Long: `mcpforged deploys MCP server templates onto a backend (container
engine, orchestrator, or an in-memory mock) and fronts every deployed
replica through a single authenticated gateway.

This binary wires the Template Registry, Configuration Processor,
Backend Abstraction, Deployment Manager, Tool Manager and Gateway
runtime into one process. It is the minimal entrypoint needed to run
the core; it is not an interactive shell or documentation generator.`,
	SilenceUsage: true,
}

// SetVersion sets the version string shown by `mcpforged --version`.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command. Called by main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
