// Package main is the CLI entry point for the Ringdown voice-agent backend.
//
// Ringdown terminates a telephony gateway's per-call WebSocket, streams turns
// through an LLM provider (Anthropic or OpenAI), executes tools mid-stream,
// and serves the managed-AV HTTP path for mobile clients.
//
// Start the server:
//
//	ringdown serve --config ringdown.yaml
//
// Configuration may also come from the environment:
//
//   - RINGDOWN_CONFIG_PATH: path to the config file when --config is not given
//   - RINGDOWN_CONTROL_HARNESS: "1" force-enables the control-audio harness
//   - GMAIL_SA_KEY_PATH / GMAIL_SENDER: credentials for the send_email tool
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.2.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Plain slog until the configured logger takes over inside serve.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the command tree. Separated from main for testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "ringdown",
		Short:        "Ringdown - streaming voice-agent backend",
		Long:         "Ringdown bridges a telephony gateway to streaming LLM providers\nwith mid-stream tool execution, barge-in, and managed-AV mobile sessions.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build metadata",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ringdown %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
