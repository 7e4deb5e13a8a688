package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/meshlink-core/internal/auth"
)

func newAPIKeyCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Generate an API key and its Argon2id hash",
		Long: `Generate a random API key and print it with the hash to put in
security.api_key_hash (or MESHLINK_API_KEY_HASH). Pass --key to hash an
existing key instead. The key itself is never stored by meshlink.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if key == "" {
				generated, err := auth.GenerateAPIKey()
				if err != nil {
					return fmt.Errorf("generating key: %w", err)
				}
				key = generated
			}
			hash, err := auth.HashSecret(key)
			if err != nil {
				return fmt.Errorf("hashing key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "api key:      %s\n", key)
			fmt.Fprintf(out, "api_key_hash: %s\n", hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "hash this key instead of generating one")
	return cmd
}
