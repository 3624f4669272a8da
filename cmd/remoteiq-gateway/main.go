// ABOUTME: Entry point for remoteiq-gateway, the remote management control plane
// ABOUTME: Cobra root command wiring serve, init, bootstrap, token, health and agents

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                         _       _               _
 _ __ ___ _ __ ___   ___ | |_ ___(_) __ _    __ _ | |_ _____      ____ _ _   _
| '__/ _ \ '_ ' _ \ / _ \| __/ _ \ |/ _' |  / _' || __/ _ \ \ /\ / / _' | | | |
| | |  __/ | | | | | (_) | ||  __/ | (_| | | (_| || ||  __/\ V  V / (_| | |_| |
|_|  \___|_| |_| |_|\___/ \__\___|_|\__, |  \__, | \__\___| \_/\_/ \__,_|\__, |
                                       |_|  |___/                        |___/
`

// configFlag holds the persistent --config value.
var configFlag string

// configPath resolves the config file for the current invocation.
func configPath() string {
	return config.ResolvePath(configFlag)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "remoteiq-gateway",
		Short: "RemoteIQ gateway",
		Long: `remoteiq-gateway accepts persistent websocket connections from enrolled agents,
queues script jobs for them and records what they report back.

Operators drive it over the HTTP API with a JWT issued by "bootstrap" or "token".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"config file (default $"+config.EnvConfigPath+" or ~/.config/remoteiq/gateway.yaml)")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newBootstrapCmd(),
		newTokenCmd(),
		newHealthCmd(),
		newAgentsCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
