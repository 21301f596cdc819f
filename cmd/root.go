package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/withobsrvr/connectctl/cmd/normalize"
	"github.com/withobsrvr/connectctl/cmd/pipelines"
	"github.com/withobsrvr/connectctl/cmd/server"
	"github.com/withobsrvr/connectctl/cmd/version"
	"github.com/withobsrvr/connectctl/internal/config"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "connectctl",
	Short: "Lifecycle orchestrator and monitor for Kafka Connect CDC pipelines",
	Long: `connectctl manages change-data-capture pipelines made of a Debezium source
and a sink connector on a Kafka Connect cluster. It deploys, pauses, restores
and tears down pipelines, and raises alerts when they fail, stall or fall behind.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, config.KeyConfig, "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, config.KeyLogLevel, "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, config.KeyLogFormat, "console", "log format (console|json)")

	// Bind flags to viper
	viper.BindPFlag(config.KeyConfig, rootCmd.PersistentFlags().Lookup(config.KeyConfig))
	viper.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup(config.KeyLogLevel))
	viper.BindPFlag(config.KeyLogFormat, rootCmd.PersistentFlags().Lookup(config.KeyLogFormat))

	rootCmd.AddCommand(server.NewCommand())
	rootCmd.AddCommand(normalize.NewCommand())
	rootCmd.AddCommand(pipelines.NewCommand())
	rootCmd.AddCommand(version.NewCommand())
}

// initConfig reads ENV variables and initializes the logger
func initConfig() {
	config.BindEnv(viper.GetViper())

	if err := logger.Init(viper.GetString(config.KeyLogLevel), viper.GetString(config.KeyLogFormat)); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if file := viper.GetString(config.KeyConfig); file != "" {
		logger.Debug("Using config file", zap.String("file", file))
	}
}
