package cmd

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelops/gatekeep/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [access-key]",
	Short: "Generate a salted SHA-256 hash for an agent access key",
	Long: `Generate the stored hash of an agent access key for use in a seed file.

The output format is "sha256:<salt-hex>:<digest-hex>", matching what
AgentAccessKey.Hash expects in seed.access_keys[].

Example:
  gatekeep hash-key "my-agent-access-key"
  # Output: sha256:3f1c...:7d5e8c...

Security note: the key will appear in shell history. Consider clearing
history after use or passing it via an environment variable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		fmt.Println(auth.HashKey(args[0], salt))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
