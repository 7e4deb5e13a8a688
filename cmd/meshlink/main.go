// meshlink bridges LoRa mesh radios to a host API and MQTT brokers.
//
// The serve command runs the service: it owns the device sessions, the
// message processor, the node directory store and the gateways, and
// exposes them over HTTP and WebSocket. The other commands are offline
// helpers for scanning ports, planning radio settings and minting API keys.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv overrides the default configuration path.
const configEnv = "MESHLINK_CONFIG"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1) //nolint:gocritic // cancel is called explicitly above
	}
}

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
}

// newRootCommand builds the command tree. serve is also the default
// action of the bare root command.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "meshlink",
		Short: "LoRa mesh radio bridge",
		Long: `meshlink connects to mesh radios over serial, decodes their traffic,
keeps a node directory and message history, bridges packets to MQTT
brokers and serves a REST and WebSocket API for host applications.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, opts, nil)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		fmt.Sprintf("config file, YAML or TOML (default $%s or %s)", configEnv, defaultConfigPath))

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newRadioCommand())
	rootCmd.AddCommand(newAPIKeyCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meshlink %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
