// Package cmd defines the CLI commands for the storefleet executable.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/storefleet/storefleet/internal/logging"
	"github.com/storefleet/storefleet/pkg/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storefleet",
		Short: "Supervised fleet of browser workers harvesting store listings.",
		Long: `storefleet runs a supervised fleet of headless-browser worker
processes that page through store listing endpoints, dedup and persist the
records they find, and scale the fleet up and down based on worker health,
host headroom, and bot-defense signals.`,

		PersistentPreRunE: func(*cobra.Command, []string) error {
			_, err := logging.Init(viper.GetBool("logging.development"))
			return err
		},
	}

	cobra.OnInitialize(initConfig)

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/storefleet, $HOME/.storefleet)")

	cmd.AddCommand(newSuperviseCmd())
	cmd.AddCommand(newWorkerCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	config.InitConfig()
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		logging.L.Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
