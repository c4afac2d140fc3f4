package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moltbot/moltbroker/internal/domain/auth"
)

var hashKeyArgon2id bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [token]",
	Short: "Hash a protocol auth token for the config",
	Long: `Hash a protocol auth token for use in auth.token_hashes.

By default the output is "sha256:<hex>". With --argon2id the output is an
encoded argon2id hash, which resists offline brute force if the config
file leaks.

Example:
  moltbroker hash-key "my-zone2-token"
  moltbroker hash-key --argon2id "my-zone2-token"

Security note: The token will appear in shell history.
Consider using an environment variable:
  moltbroker hash-key "$ZONE2_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeyArgon2id {
			hash, err := auth.HashTokenArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("hash token: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Println(auth.HashToken(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyArgon2id, "argon2id", false, "emit an argon2id hash instead of sha256")
	rootCmd.AddCommand(hashKeyCmd)
}
