// Command agentrund runs the RPC Coordinator: the process that mediates
// between WebSocket JSON-RPC clients and LLM providers, durably recording
// every turn as events in a SQLite event tree.
//
// Start the server:
//
//	agentrund serve --config agentrund.yaml
//
// Manage the schema:
//
//	agentrund migrate up
//	agentrund migrate status
//
// Configuration is layered YAML + environment; see internal/config for the
// full list of variables and defaults.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds:
//
//	go build -ldflags "-X main.version=v0.1.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree. Separated from main so tests can
// exercise it without touching os.Exit.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentrund",
		Short: "agentrund - event-sourced agent runtime coordinator",
		Long: `agentrund mediates between WebSocket JSON-RPC clients and LLM providers
(Anthropic, OpenAI, Gemini, Bedrock), recording every turn as an append-only
event in a SQLite event tree.`,
		Version:      versionString(),
		SilenceUsage: true,
	}

	root.AddCommand(buildServeCmd())
	root.AddCommand(buildMigrateCmd())
	root.AddCommand(buildDoctorCmd())

	return root
}

func versionString() string {
	return version + " (commit: " + commit + ", built: " + date + ")"
}

// resolveConfigPath returns --config when given, else the TRON_CONFIG
// override, else "" (no config file).
func resolveConfigPath(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("TRON_CONFIG"); env != "" {
		return env
	}
	return ""
}
