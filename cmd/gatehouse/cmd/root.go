package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse is an authenticating reverse proxy",
	Long: `Gatehouse puts a password and TOTP login in front of an HTTP service.
Requests are forwarded upstream only once the browser session has passed
both steps.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the TOML config file (default $GATEHOUSE_CONFIG)")
}

// resolvedConfigPath is the --config flag, falling back to GATEHOUSE_CONFIG.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("GATEHOUSE_CONFIG")
}

// loadConfig reads the config file and applies environment overrides.
// Validation is left to the caller since not every command needs a complete
// config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	return cfg, nil
}
