package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
	"github.com/BrandonDHaskell/portunus-nfc/internal/session"
)

var adminTokenTTL time.Duration

func init() {
	adminTokenCmd.Flags().DurationVar(&adminTokenTTL, "ttl", 0, "token lifetime (defaults to admin.token_ttl)")
	rootCmd.AddCommand(adminTokenCmd)
}

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token <subject>",
	Short: "Mint an operator session token",
	Long: `Mint a bearer token for the admin API, signed with admin.jwt_secret.

Examples:
  portunus-server admin-token ops@example.com
  portunus-server admin-token ops --ttl 1h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ttl := cfg.Admin.TokenTTL
		if adminTokenTTL > 0 {
			ttl = adminTokenTTL
		}

		// Minting never consults revocations.
		sessions := service.NewAdminSessions(cfg.Admin.JWTSecret, ttl, session.NewMemoryStore(1))
		tok, exp, err := sessions.Issue(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
		return nil
	},
}
