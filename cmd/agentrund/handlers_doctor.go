package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentrund/agentrund/internal/config"
	"github.com/agentrund/agentrund/internal/eventstore"
)

// runDoctor loads the config, opens the event store, and reports port
// availability, surfacing everything an operator needs before running
// serve without requiring them to read logs.
func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "config: FAIL (%v)\n", err)
		return err
	}
	fmt.Fprintln(out, "config: OK")

	var store *eventstore.Store
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path()), 0o755); err != nil {
		fmt.Fprintf(out, "event store (%s): FAIL (%v)\n", cfg.Database.Path(), err)
	} else if store, err = eventstore.Open(cfg.Database.Path(), eventstore.Options{BusyTimeout: cfg.Database.BusyTimeout}); err != nil {
		fmt.Fprintf(out, "event store (%s): FAIL (%v)\n", cfg.Database.Path(), err)
	} else {
		fmt.Fprintf(out, "event store (%s): OK\n", cfg.Database.Path())
		store.Close()
	}

	checkPort(out, "rpc", cfg.Server.Host, cfg.Server.Port)
	checkPort(out, "health", cfg.Server.Host, cfg.Server.HealthPort)

	fmt.Fprintln(out, "providers:")
	printProviderStatus(out, "anthropic", cfg.Providers.Anthropic.APIKey != "")
	printProviderStatus(out, "openai", cfg.Providers.OpenAI.APIKey != "")
	printProviderStatus(out, "gemini", cfg.Providers.Gemini.APIKey != "")
	printProviderStatus(out, "bedrock", cfg.Providers.Bedrock.AccessKeyID != "" && cfg.Providers.Bedrock.SecretAccessKey != "")

	return nil
}

func checkPort(out io.Writer, label, host string, port int) {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(out, "%s port %s: IN USE or unreachable (%v)\n", label, addr, err)
		return
	}
	_ = ln.Close()
	fmt.Fprintf(out, "%s port %s: available\n", label, addr)
}

func printProviderStatus(out io.Writer, name string, configured bool) {
	status := "not configured"
	if configured {
		status = "configured"
	}
	fmt.Fprintf(out, "  - %s: %s\n", name, status)
}
