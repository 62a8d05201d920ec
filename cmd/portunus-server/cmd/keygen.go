package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/credential"
)

var (
	keygenDir    string
	keygenID     string
	keygenRetire bool
)

func init() {
	keygenCmd.Flags().StringVar(&keygenDir, "dir", "", "key directory (defaults to credential.key_dir)")
	keygenCmd.Flags().StringVar(&keygenID, "kid", "", "key id for the new generation")
	keygenCmd.Flags().BoolVar(&keygenRetire, "retire", true, "keep the current public key as verify-only")
	rootCmd.AddCommand(keygenCmd)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new credential signing key",
	Long: `Generate a new Ed25519 credential signing key in the key directory.

With --retire (the default) the current public key is moved to retired/
so credentials it signed keep verifying until they are rotated.

Examples:
  portunus-server keygen
  portunus-server keygen --dir ./keys --kid 2026-10`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := keygenDir
		if dir == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.Credential.KeyDir
		}
		if dir == "" {
			return fmt.Errorf("no key directory: pass --dir or set credential.key_dir")
		}

		kid := keygenID
		if kid == "" {
			kid = "key-" + time.Now().UTC().Format("20060102150405")
		}

		if keygenRetire {
			old, err := credential.ReadKeyDir(dir)
			switch {
			case err == nil:
				if err := credential.RetireKey(dir, old); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", old.ID)
			case !errors.Is(err, fs.ErrNotExist):
				return err
			}
		}

		k, err := credential.Generate(kid)
		if err != nil {
			return err
		}
		if err := credential.WriteKeyDir(dir, k); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s to %s\n", k.ID, filepath.Clean(dir))
		return nil
	},
}
