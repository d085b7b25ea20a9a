package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the RPC Coordinator.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		dev        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentrund RPC coordinator",
		Long: `Start the RPC coordinator: opens the event store, applies any pending
migrations, registers the configured LLM providers, and serves JSON-RPC 2.0
over WebSocket plus a health/metrics HTTP listener.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config resolution (TRON_CONFIG, then env/defaults)
  agentrund serve

  # Start with an explicit config file
  agentrund serve --config /etc/agentrund/production.yaml

  # Start on the dev port pair (8082/8083)
  agentrund serve --dev`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), dev)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&dev, "dev", false, "Use the dev port pair (8082 RPC / 8083 health) instead of prod (8080/8081)")

	return cmd
}
