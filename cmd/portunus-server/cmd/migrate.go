package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/portunus-nfc/internal/db"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		conn, err := openSQLite(cmd.Context(), cfg.Store.DBPath)
		if err != nil {
			return err
		}
		defer conn.Close()

		versions, err := db.AppliedVersions(cmd.Context(), conn)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: applied %v\n", cfg.Store.DBPath, versions)
		return nil
	},
}
