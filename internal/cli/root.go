package cli

import (
	"github.com/harun/autolab/internal/config"
	"github.com/harun/autolab/internal/daemon"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
	dataDir  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "autolab",
	Short: "Autolab - autonomous improvement loop",
	Long: `Autolab runs a continuous evaluate, plan, execute and record loop.
It measures a knowledge base against weighted goals, schedules discovery,
optimization and test actions to close the gaps, and records every result.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	daemon.Version = version

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.autolab/autolab.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default is $HOME/.autolab)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// loadConfig loads and validates the configuration. Flags given on the
// command line take precedence over the file and the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader(cfgFile)
	if cmd.Flags().Changed("log-level") {
		loader.Set("logging.level", logLevel)
	}
	if cmd.Flags().Changed("data-dir") {
		loader.Set("data_dir", dataDir)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
