// Package cmd implements the portunus-server commands.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/portunus-nfc/internal/config"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "portunus-server",
	Short: "NFC door access backend",
	Long: `portunus-server decides card taps for door readers, issues signed
card credentials, and keeps the access audit log.

Running it without a subcommand starts the server.`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (PORTUNUS_* env vars override it)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
