package main

import (
	"github.com/spf13/cobra"
)

// buildDoctorCmd creates the "doctor" command: a lightweight environment
// and connectivity check an operator runs before serve, or when something
// looks wrong.
func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database connectivity, and port availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
