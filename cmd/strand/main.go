// Package main provides the CLI entry point for the strand agent host.
//
// Strand is a request-scoped execution runtime for multi-tenant agent
// applications: handlers get an ambient execution context, can schedule
// background work that outlives the response, and have their conversation
// state persisted with the cheapest correct strategy at request end.
//
// # Basic Usage
//
// Start the server:
//
//	strand serve --config strand.yaml
//
// Sweep expired state immediately:
//
//	strand sweep --config strand.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strand",
		Short: "Strand - request-scoped agent execution runtime",
		Long: `Strand hosts agent handlers behind an HTTP gateway. Each request gets an
ambient execution context, a background task coordinator, and lazily loaded
thread and session state that is persisted at request end.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildSweepCmd(),
	)
	return rootCmd
}
