package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marketpulse/marketpulse/internal/config"
)

const defaultAddress = "127.0.0.1:8080"

// NewRootCmd creates the root marketctl command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "marketctl",
		Short:         "MarketPulse operator CLI",
		Long:          "marketctl queries a running MarketPulse API or runs the market data core in-process.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default $"+config.FileEnv+")")
	root.PersistentFlags().String("address", defaultAddress, "API address")

	root.AddCommand(
		newQuoteCmd(),
		newHealthCmd(),
		newCacheCmd(),
		newConfigCmd(),
	)

	return root
}

func clientFor(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("address")
	return newAPIClient(addr)
}

// loadConfig reads --config, falling back to the path in the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv(config.FileEnv)
	}
	return config.Load(path)
}
